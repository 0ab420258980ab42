package types

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

// Value is any runbook value. Supported shapes are nil, bool, int64,
// float64, string, []interface{} and map[string]interface{}. Byte payloads
// travel as 0x-prefixed hex strings.
type Value = interface{}

// Normalize converts decoder output (int, json.Number, *big.Int, nested
// containers) into the supported shapes.
func Normalize(v Value) Value {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = Normalize(x[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func normalizeFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// AsString returns v as a string.
func AsString(v Value) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsInt64 returns v as an integer, accepting numeric strings.
func AsInt64(v Value) (int64, bool) {
	switch x := Normalize(v).(type) {
	case int64:
		return x, true
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// AsBool returns v as a boolean.
func AsBool(v Value) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	default:
		return false, false
	}
}

// AsMap returns v as an object.
func AsMap(v Value) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// Render formats a value for interpolation into a string and for display.
func Render(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case int64, float64, bool:
		return fmt.Sprintf("%v", x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	}
}

// Subscript is a literal index applied after a referenced value is
// materialized: [N] or ["key"].
type Subscript struct {
	Index *int   `json:"index,omitempty"`
	Key   string `json:"key,omitempty"`
}

// String renders the subscript the way it is written.
func (s Subscript) String() string {
	if s.Index != nil {
		return fmt.Sprintf("[%d]", *s.Index)
	}
	return strconv.Quote(s.Key)
}

// ApplyPath walks v through dotted segments and then subscripts.
func ApplyPath(v Value, segments []string, subscripts []Subscript) (Value, error) {
	current := v
	for _, seg := range segments {
		m, ok := AsMap(current)
		if !ok {
			return nil, fmt.Errorf("cannot access field %q on %T", seg, current)
		}
		next, exists := m[seg]
		if !exists {
			return nil, fmt.Errorf("field %q not found", seg)
		}
		current = next
	}
	for _, sub := range subscripts {
		switch {
		case sub.Index != nil:
			list, ok := current.([]interface{})
			if !ok {
				return nil, fmt.Errorf("cannot index %T with %s", current, sub)
			}
			if *sub.Index < 0 || *sub.Index >= len(list) {
				return nil, fmt.Errorf("index %d out of range (len %d)", *sub.Index, len(list))
			}
			current = list[*sub.Index]
		default:
			m, ok := AsMap(current)
			if !ok {
				return nil, fmt.Errorf("cannot index %T with %s", current, sub)
			}
			next, exists := m[sub.Key]
			if !exists {
				return nil, fmt.Errorf("key %q not found", sub.Key)
			}
			current = next
		}
	}
	return current, nil
}

// ValueStore is a named bag of values with optional per-scope slots. Signer
// states use the scopes to keep one slot per dependent construct.
type ValueStore struct {
	Name   string                            `json:"name"`
	Values map[string]interface{}            `json:"values"`
	Scoped map[string]map[string]interface{} `json:"scoped,omitempty"`
}

// NewValueStore creates an empty store.
func NewValueStore(name string) *ValueStore {
	return &ValueStore{
		Name:   name,
		Values: make(map[string]interface{}),
		Scoped: make(map[string]map[string]interface{}),
	}
}

// Get returns a value.
func (s *ValueStore) Get(key string) (Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Values[key]
	return v, ok
}

// GetString returns a string value.
func (s *ValueStore) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return AsString(v)
}

// GetBool returns a boolean value, false when absent.
func (s *ValueStore) GetBool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, _ := AsBool(v)
	return b
}

// Insert sets a value.
func (s *ValueStore) Insert(key string, v Value) {
	if s.Values == nil {
		s.Values = make(map[string]interface{})
	}
	s.Values[key] = v
}

// GetScoped returns a value from the slot of scope.
func (s *ValueStore) GetScoped(scope, key string) (Value, bool) {
	if s == nil || s.Scoped == nil {
		return nil, false
	}
	slot, ok := s.Scoped[scope]
	if !ok {
		return nil, false
	}
	v, ok := slot[key]
	return v, ok
}

// InsertScoped sets a value in the slot of scope.
func (s *ValueStore) InsertScoped(scope, key string, v Value) {
	if s.Scoped == nil {
		s.Scoped = make(map[string]map[string]interface{})
	}
	slot, ok := s.Scoped[scope]
	if !ok {
		slot = make(map[string]interface{})
		s.Scoped[scope] = slot
	}
	slot[key] = v
}

// DeleteScope drops the slot of scope.
func (s *ValueStore) DeleteScope(scope string) {
	delete(s.Scoped, scope)
}

// Keys returns the top-level keys in sorted order.
func (s *ValueStore) Keys() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies the store through its JSON form.
func (s *ValueStore) Clone() *ValueStore {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	out := NewValueStore(s.Name)
	if err := json.Unmarshal(data, out); err != nil {
		return s
	}
	out.Values = Normalize(out.Values).(map[string]interface{})
	return out
}
