package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/txtx/txtx/pkg/addons"
	"github.com/txtx/txtx/pkg/addons/std"
	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/workspace"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("TXTX_POLL_INTERVAL", "1ms")
	t.Setenv("TXTX_POLL_MAX_INTERVAL", "5ms")

	dir := t.TempDir()
	if _, err := execute(t, "init", dir, "--project", "demo"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return dir
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	dir := initWorkspace(t)

	if _, err := execute(t, "init", dir); err == nil {
		t.Fatal("Expected init to refuse an existing manifest")
	}
	if _, err := execute(t, "init", dir, "--force"); err != nil {
		t.Fatalf("Expected --force to overwrite, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	dir := initWorkspace(t)
	manifest := filepath.Join(dir, config.ManifestFile)

	out, err := execute(t, "check", "transfer", "-m", manifest)
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
	for _, want := range []string{"variable.recipient", "signer.alice", "action.transfer", "output.tx_hash", "✓ Runbook is valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}

	out, err = execute(t, "check", "transfer", "-m", manifest, "--dot")
	if err != nil {
		t.Fatalf("check --dot failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph Runbook {") {
		t.Errorf("Expected DOT output, got:\n%s", out)
	}

	if _, err := execute(t, "check", "missing", "-m", manifest); err == nil {
		t.Error("Expected error for unknown runbook")
	}
}

func TestRun_UnattendedThenSnapshot(t *testing.T) {
	dir := initWorkspace(t)
	manifest := filepath.Join(dir, config.ManifestFile)

	out, err := execute(t, "run", "transfer", "-m", manifest, "--unattended", "--json")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	var run engine.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("Failed to decode run: %v\n%s", err, out)
	}
	if run.Status != engine.RunStatusCompleted {
		t.Fatalf("Expected status completed, got %s (%s)", run.Status, run.Error)
	}
	if run.Environment != "development" {
		t.Errorf("Expected environment development, got %s", run.Environment)
	}

	out, err = execute(t, "snapshot", run.ID, "-m", manifest)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	var snapshot engine.Snapshot
	if err := json.Unmarshal([]byte(out), &snapshot); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snapshot.Project != "demo" || snapshot.Name != "transfer" {
		t.Errorf("Expected demo/transfer, got %s/%s", snapshot.Project, snapshot.Name)
	}
	if len(snapshot.Commands) == 0 {
		t.Error("Expected executed commands in the snapshot")
	}

	out, err = execute(t, "snapshot", run.ID, "-m", manifest, "--events")
	if err != nil {
		t.Fatalf("snapshot --events failed: %v", err)
	}
	if !strings.Contains(out, "run.started") {
		t.Errorf("Expected recorded run events, got:\n%s", out)
	}
}

func TestRun_FailedConstructReturnsError(t *testing.T) {
	dir := initWorkspace(t)
	manifest := filepath.Join(dir, config.ManifestFile)
	check := `action: check: {
	type:  "std::assert_eq"
	left:  1
	right: 2
}
`
	if err := os.WriteFile(filepath.Join(dir, "runbooks", "transfer", "zz_check.cue"), []byte(check), 0o644); err != nil {
		t.Fatalf("Failed to write runbook file: %v", err)
	}

	out, err := execute(t, "run", "transfer", "-m", manifest, "--unattended", "--json")
	if err == nil || !strings.Contains(err.Error(), "1 failed or blocked") {
		t.Fatalf("Expected the failed assertion to fail the command, got %v\n%s", err, out)
	}

	var run engine.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("Failed to decode run: %v\n%s", err, out)
	}
	if run.Summary[engine.ConstructFailed] != 1 {
		t.Errorf("Expected one failed construct, got %v", run.Summary)
	}
}

func TestPoliciesAndAddons(t *testing.T) {
	dir := initWorkspace(t)
	manifest := filepath.Join(dir, config.ManifestFile)

	out, err := execute(t, "policies", "-m", manifest)
	if err != nil {
		t.Fatalf("policies failed: %v", err)
	}
	for _, want := range []string{"plaintext-secrets", "transfer_limit"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected policy %s, got:\n%s", want, out)
		}
	}

	out, err = execute(t, "addons", "list", "-m", manifest, "--namespace", "mock")
	if err != nil {
		t.Fatalf("addons list failed: %v", err)
	}
	if !strings.Contains(out, "mock::send_transaction") {
		t.Errorf("Expected mock::send_transaction, got:\n%s", out)
	}
	if strings.Contains(out, "std::") {
		t.Errorf("Expected only the mock namespace, got:\n%s", out)
	}
}

func TestResolveLabels(t *testing.T) {
	ws := workspace.New(addons.NewRegistry().MustRegister(std.New(time.Second)))
	pkg := ws.IndexPackage("/tmp/runbook", "main")
	constructs := []struct {
		kind, name, typ string
		block           map[string]interface{}
	}{
		{config.KindVariable, "greeting", "", map[string]interface{}{"value": "hi"}},
		{config.KindAction, "first", "std::echo", map[string]interface{}{"value": "${variable.greeting}"}},
		{config.KindAction, "second", "std::echo", map[string]interface{}{"value": "${action.first.value}"}},
		{config.KindAction, "other", "std::echo", map[string]interface{}{"value": "x"}},
	}
	for i, c := range constructs {
		if _, _, err := ws.IndexConstruct(c.name, fmt.Sprintf("main.cue:%d", i+1), c.kind, c.typ, c.block, pkg); err != nil {
			t.Fatalf("Failed to index %s: %v", c.name, err)
		}
	}
	ec, err := engine.FromWorkspace(ws)
	if err != nil {
		t.Fatalf("Failed to build execution context: %v", err)
	}

	tests := []struct {
		name     string
		labels   []string
		upstream bool
		want     int
		wantErr  bool
	}{
		{name: "single", labels: []string{"action.second"}, want: 1},
		{name: "with upstream", labels: []string{"action.second"}, upstream: true, want: 3},
		{name: "shared upstream counted once", labels: []string{"action.second", "action.first"}, upstream: true, want: 3},
		{name: "unknown", labels: []string{"action.missing"}, wantErr: true},
		{name: "malformed", labels: []string{"second"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dids, err := resolveLabels(ws, ec, tt.labels, tt.upstream)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(dids) != tt.want {
				t.Errorf("Expected %d constructs, got %d", tt.want, len(dids))
			}
		})
	}
}
