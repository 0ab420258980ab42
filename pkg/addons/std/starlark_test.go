package std

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

func runStarlark(t *testing.T, spec types.CommandSpecification, script string, variables map[string]interface{}) (*types.CommandExecutionResult, error) {
	t.Helper()
	inputs := map[string]interface{}{"script": script}
	if variables != nil {
		inputs["variables"] = variables
	}
	return spec.Run(context.Background(), request(inputs))
}

func TestStarlark_Modules(t *testing.T) {
	spec := command(t, "starlark")

	tests := []struct {
		name      string
		script    string
		variables map[string]interface{}
		output    string
		want      interface{}
	}{
		{
			name:      "json decode of a payload input",
			script:    "fee = json.decode(raw)[\"fee\"]\n",
			variables: map[string]interface{}{"raw": `{"fee": 21}`},
			output:    "fee",
			want:      int64(21),
		},
		{
			name:   "json encode for a memo",
			script: "memo = json.encode({\"to\": \"alice\"})\n",
			output: "memo",
			want:   `{"to":"alice"}`,
		},
		{
			name:      "math for a gas estimate",
			script:    "gas = math.ceil(amount * 1.5)\n",
			variables: map[string]interface{}{"amount": int64(3)},
			output:    "gas",
			want:      int64(5),
		},
		{
			name:   "struct flattens to an object",
			script: "result = struct(address = \"0xabc\", nonce = 0)\n",
			output: "value",
			want:   map[string]interface{}{"address": "0xabc", "nonce": int64(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := runStarlark(t, spec, tt.script, tt.variables)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, ok := r.Get(tt.output)
			if !ok {
				t.Fatalf("Expected output %s, got %v", tt.output, r.Outputs)
			}
			if !reflect.DeepEqual(types.Normalize(got), tt.want) {
				t.Errorf("Expected %s = %v, got %v", tt.output, tt.want, got)
			}
		})
	}
}

func TestStarlark_ExportRules(t *testing.T) {
	script := `
_rate = 2

def scale(x):
    return x * _rate

total = scale(amount)
recipients = [to, "treasury"]
`
	r, err := runStarlark(t, command(t, "starlark"), script, map[string]interface{}{"amount": int64(10), "to": "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, _ := r.Get("total"); v != int64(20) {
		t.Errorf("Expected total 20, got %v", v)
	}
	if v, _ := r.Get("recipients"); !reflect.DeepEqual(v, []interface{}{"alice", "treasury"}) {
		t.Errorf("Expected recipients list, got %v", v)
	}
	for _, hidden := range []string{"_rate", "scale", "amount", "to", "value"} {
		if _, ok := r.Get(hidden); ok {
			t.Errorf("Expected %s not to be exported", hidden)
		}
	}
}

func TestStarlark_Diagnostics(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		script  string
		want    string
	}{
		{
			name:    "runaway script times out",
			timeout: 50 * time.Millisecond,
			script: `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

result = spin()
`,
			want: "timeout",
		},
		{
			name:   "unexportable global",
			script: "steps = range(3)\n",
			want:   "steps",
		},
		{
			name:   "syntax error",
			script: "fee = (1 +\n",
			want:   "starlark execution failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			var spec types.CommandSpecification
			for _, c := range New(timeout).Commands() {
				if c.Matcher() == "starlark" {
					spec = c
				}
			}

			_, err := runStarlark(t, spec, tt.script, nil)
			var diag *types.Diagnostic
			if !errors.As(err, &diag) {
				t.Fatalf("Expected a diagnostic, got %v", err)
			}
			if diag.Class != types.ClassConstruct || diag.Code != types.ErrCodeValidation {
				t.Errorf("Expected construct VALIDATION_ERROR, got %s %s", diag.Class, diag.Code)
			}
			if diag.Construct != "did" {
				t.Errorf("Expected diagnostic scoped to the construct, got %q", diag.Construct)
			}
			if !strings.Contains(diag.Error(), tt.want) {
				t.Errorf("Expected %q in %q", tt.want, diag.Error())
			}
			if !strings.HasPrefix(diag.Message, "fee: ") {
				t.Errorf("Expected message to name the construct, got %q", diag.Message)
			}
		})
	}
}
