package workspace

import (
	"testing"
)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr     string
		wantErr  bool
		root     string
		segments int
		subs     int
	}{
		{expr: "variable.fee", root: "variable", segments: 1},
		{expr: "action.transfer.tx_hash", root: "action", segments: 2},
		{expr: "action.batch.receipts[2]", root: "action", segments: 2, subs: 1},
		{expr: `action.batch.receipts[2]["hash"]`, root: "action", segments: 2, subs: 2},
		{expr: " env.network ", root: "env", segments: 1},
		{expr: "", wantErr: true},
		{expr: "action..x", wantErr: true},
		{expr: "action.x[", wantErr: true},
		{expr: "action.x[-1]", wantErr: true},
		{expr: "action.x[1].y", wantErr: true},
		{expr: "action.x[abc]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ref, err := ParseExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Root != tt.root {
				t.Errorf("Expected root %s, got %s", tt.root, ref.Root)
			}
			if len(ref.Segments) != tt.segments {
				t.Errorf("Expected %d segments, got %v", tt.segments, ref.Segments)
			}
			if len(ref.Subscripts) != tt.subs {
				t.Errorf("Expected %d subscripts, got %v", tt.subs, ref.Subscripts)
			}
		})
	}
}

func TestParseExpression_Subscripts(t *testing.T) {
	ref, err := ParseExpression(`action.a.list[3]["key"]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Subscripts[0].Index == nil || *ref.Subscripts[0].Index != 3 {
		t.Errorf("Expected index 3, got %+v", ref.Subscripts[0])
	}
	if ref.Subscripts[1].Key != "key" {
		t.Errorf("Expected key subscript, got %+v", ref.Subscripts[1])
	}
}

func TestParseTemplate(t *testing.T) {
	parts, err := ParseTemplate("${variable.a}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsWholeReference(parts) {
		t.Error("Expected a whole reference")
	}

	parts, err = ParseTemplate("send ${variable.amount} to ${variable.to}!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if IsWholeReference(parts) {
		t.Error("Expected an interpolated template")
	}
	if len(parts) != 5 {
		t.Fatalf("Expected 5 parts, got %d", len(parts))
	}
	if parts[0].Literal != "send " || parts[4].Literal != "!" {
		t.Errorf("Unexpected literals: %q %q", parts[0].Literal, parts[4].Literal)
	}

	parts, err = ParseTemplate("plain text")
	if err != nil || len(parts) != 1 || parts[0].Ref != nil {
		t.Errorf("Expected one literal part, got %v (%v)", parts, err)
	}

	if _, err := ParseTemplate("${variable.a"); err == nil {
		t.Error("Expected unterminated reference error")
	}
}

func TestParseTemplate_QuotedDelimiters(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		key     string
		literal string
	}{
		{name: "brace in key", input: `${variable.x["a}"]}`, key: "a}"},
		{name: "bracket in key", input: `${variable.x["a]b"]} sent`, key: "a]b", literal: " sent"},
		{name: "escaped quote in key", input: `${variable.x["a\"}"]}`, key: `a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := ParseTemplate(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parts[0].Ref == nil || len(parts[0].Ref.Subscripts) != 1 {
				t.Fatalf("Expected one reference with a subscript, got %+v", parts)
			}
			if got := parts[0].Ref.Subscripts[0].Key; got != tt.key {
				t.Errorf("Expected key %q, got %q", tt.key, got)
			}
			if tt.literal == "" {
				if !IsWholeReference(parts) {
					t.Errorf("Expected a whole reference, got %+v", parts)
				}
				return
			}
			if len(parts) != 2 || parts[1].Literal != tt.literal {
				t.Errorf("Expected trailing literal %q, got %+v", tt.literal, parts)
			}
		})
	}

	if _, err := ParseTemplate(`${variable.x["a}`); err == nil {
		t.Error("Expected unterminated reference error for an open quote")
	}
}

func TestExtractReferences(t *testing.T) {
	block := map[string]interface{}{
		"b": "${variable.b}",
		"a": []interface{}{"${action.x.y}", 4, map[string]interface{}{"z": "v=${env.k}"}},
		"c": 12,
	}

	refs, err := ExtractReferences(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("Expected 3 references, got %d", len(refs))
	}

	want := []string{"action.x.y", "env.k", "variable.b"}
	for i, r := range refs {
		if r.Ref.Raw != want[i] {
			t.Errorf("reference %d: Expected %s, got %s", i, want[i], r.Ref.Raw)
		}
	}
	if got := refs[1].Attribute; len(got) != 3 || got[0] != "a" || got[1] != "2" || got[2] != "z" {
		t.Errorf("Expected attribute path [a 2 z], got %v", got)
	}
}
