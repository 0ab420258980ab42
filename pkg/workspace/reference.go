package workspace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/txtx/txtx/pkg/types"
)

// Reference is a parsed expression: root(.segment)*([N] | ["key"])*.
type Reference struct {
	Root       string            `json:"root"`
	Segments   []string          `json:"segments,omitempty"`
	Subscripts []types.Subscript `json:"subscripts,omitempty"`
	Raw        string            `json:"raw"`
}

// String returns the expression as written.
func (r *Reference) String() string {
	return r.Raw
}

// ParseExpression parses an expression without its ${ } delimiters.
func ParseExpression(expr string) (*Reference, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("empty reference")
	}

	ref := &Reference{Raw: raw}
	rest := raw

	dotted := rest
	if i := strings.IndexByte(rest, '['); i >= 0 {
		dotted = rest[:i]
		rest = rest[i:]
	} else {
		rest = ""
	}

	parts := strings.Split(dotted, ".")
	for i, p := range parts {
		if !isIdentifier(p) {
			return nil, fmt.Errorf("invalid segment %q in reference %q", p, raw)
		}
		if i == 0 {
			ref.Root = p
		} else {
			ref.Segments = append(ref.Segments, p)
		}
	}

	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("unexpected %q after subscript in reference %q", rest, raw)
		}
		end := indexUnquoted(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated subscript in reference %q", raw)
		}
		inner := strings.TrimSpace(rest[1:end])
		sub, err := parseSubscript(inner)
		if err != nil {
			return nil, fmt.Errorf("%v in reference %q", err, raw)
		}
		ref.Subscripts = append(ref.Subscripts, sub)
		rest = rest[end+1:]
	}

	return ref, nil
}

func parseSubscript(inner string) (types.Subscript, error) {
	if strings.HasPrefix(inner, `"`) {
		key, err := strconv.Unquote(inner)
		if err != nil {
			return types.Subscript{}, fmt.Errorf("invalid key subscript %s", inner)
		}
		return types.Subscript{Key: key}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return types.Subscript{}, fmt.Errorf("invalid index subscript [%s]", inner)
	}
	return types.Subscript{Index: &n}, nil
}

// indexUnquoted returns the index of the first c outside a double-quoted
// string, or -1.
func indexUnquoted(s string, c byte) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case quoted && s[i] == '\\':
			i++
		case s[i] == '"':
			quoted = !quoted
		case !quoted && s[i] == c:
			return i
		}
	}
	return -1
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// TemplatePart is either literal text or a reference.
type TemplatePart struct {
	Literal string
	Ref     *Reference
}

// ParseTemplate splits a string into literal text and ${...} references.
func ParseTemplate(s string) ([]TemplatePart, error) {
	var parts []TemplatePart
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				parts = append(parts, TemplatePart{Literal: rest})
			}
			return parts, nil
		}
		if start > 0 {
			parts = append(parts, TemplatePart{Literal: rest[:start]})
		}
		end := indexUnquoted(rest[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated reference in %q", s)
		}
		ref, err := ParseExpression(rest[start+2 : start+end])
		if err != nil {
			return nil, err
		}
		parts = append(parts, TemplatePart{Ref: ref})
		rest = rest[start+end+1:]
	}
}

// IsWholeReference reports whether the parts are exactly one reference, in
// which case the string evaluates to the referenced value itself.
func IsWholeReference(parts []TemplatePart) bool {
	return len(parts) == 1 && parts[0].Ref != nil
}

// AttributeReference is a reference found in a construct block.
type AttributeReference struct {
	// Attribute is the path of the attribute holding the reference.
	Attribute []string `json:"attribute"`

	// Ref is the parsed reference.
	Ref *Reference `json:"ref"`
}

// InPostCondition reports whether the reference sits under post_condition.
func (a AttributeReference) InPostCondition() bool {
	return len(a.Attribute) > 0 && a.Attribute[0] == "post_condition"
}

// ExtractReferences finds every reference in a raw block. Map keys are
// visited in sorted order so the result is stable.
func ExtractReferences(block map[string]interface{}) ([]AttributeReference, error) {
	var refs []AttributeReference
	err := walkReferences(nil, block, &refs)
	return refs, err
}

func walkReferences(path []string, v interface{}, out *[]AttributeReference) error {
	switch x := v.(type) {
	case string:
		parts, err := ParseTemplate(x)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		for _, p := range parts {
			if p.Ref != nil {
				*out = append(*out, AttributeReference{Attribute: append([]string(nil), path...), Ref: p.Ref})
			}
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := walkReferences(append(path, k), x[k], out); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, e := range x {
			if err := walkReferences(append(path, strconv.Itoa(i)), e, out); err != nil {
				return err
			}
		}
	}
	return nil
}
