package blueprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is an ordered mapping of blueprint keys to values. Values are scalars,
// []any, or *Map. Keys keep the spelling the user wrote; Lookup resolves them
// case-insensitively.
type Map struct {
	keys   []string
	values map[string]any
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: map[string]any{}}
}

// Len reports the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under the exact key.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key. An existing key keeps its position.
func (m *Map) Set(key string, v any) {
	if m.values == nil {
		m.values = map[string]any{}
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Lookup finds the first key equal to name under Unicode case folding and
// returns it with its original spelling.
func (m *Map) Lookup(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, k := range m.keys {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// GetFold returns the value whose key matches name case-insensitively.
func (m *Map) GetFold(name string) (any, bool) {
	key, ok := m.Lookup(name)
	if !ok {
		return nil, false
	}
	return m.values[key], true
}

// MapFold returns the nested mapping stored under name, matched
// case-insensitively. It reports false when the key is absent or the value is
// not a mapping.
func (m *Map) MapFold(name string) (*Map, bool) {
	v, ok := m.GetFold(name)
	if !ok {
		return nil, false
	}
	nested, ok := v.(*Map)
	return nested, ok && nested != nil
}

// StringFold returns the string value stored under name, matched
// case-insensitively.
func (m *Map) StringFold(name string) (string, bool) {
	v, ok := m.GetFold(name)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(s), true
	}
}

// DeleteFold removes every key matching name case-insensitively and returns
// how many were removed.
func (m *Map) DeleteFold(name string) int {
	removed := 0
	for {
		key, ok := m.Lookup(name)
		if !ok {
			return removed
		}
		m.Delete(key)
		removed++
	}
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]any, len(m.values)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON encodes the mapping as a JSON object in key order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", k, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = Map{values: map[string]any{}}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("blueprint must be a JSON object")
	}
	decoded, err := decodeJSONObject(dec)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

func decodeJSONObject(dec *json.Decoder) (*Map, error) {
	out := NewMap()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		value, err := decodeJSONValue(dec)
		if err != nil {
			return nil, err
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		return decodeJSONObject(dec)
	case '[':
		items := []any{}
		for dec.More() {
			item, err := decodeJSONValue(dec)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}

// UnmarshalYAML decodes a YAML mapping keeping key order. JSON documents are
// accepted as well since YAML is a superset.
func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	value, err := convertNode(node)
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case *Map:
		*m = *v
	case nil:
		*m = Map{values: map[string]any{}}
	default:
		return fmt.Errorf("blueprint must be a mapping, got %s", describeNode(node))
	}
	return nil
}

func convertNode(node *yaml.Node) (any, error) {
	if node == nil {
		return nil, nil
	}
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return convertNode(node.Content[0])
	case yaml.AliasNode:
		return convertNode(node.Alias)
	case yaml.MappingNode:
		explicit := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			if !isMergeKey(node.Content[i]) {
				explicit[node.Content[i].Value] = true
			}
		}
		out := NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valueNode := node.Content[i], node.Content[i+1]
			value, err := convertNode(valueNode)
			if err != nil {
				return nil, err
			}
			if isMergeKey(keyNode) {
				if err := mergeInto(out, value, explicit, keyNode.Line); err != nil {
					return nil, err
				}
				continue
			}
			out.Set(keyNode.Value, value)
		}
		return out, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := convertNode(child)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return v, nil
	default:
		return nil, nil
	}
}

func isMergeKey(node *yaml.Node) bool {
	if node.Kind != yaml.ScalarNode || node.Value != "<<" {
		return false
	}
	switch node.Tag {
	case "", "!", "!!merge", "tag:yaml.org,2002:merge":
		return true
	}
	return false
}

// mergeInto applies a "<<" value to out. Explicit keys of the enclosing
// mapping win, and among several merged mappings the first one wins.
func mergeInto(out *Map, value any, explicit map[string]bool, line int) error {
	var sources []*Map
	switch v := value.(type) {
	case *Map:
		sources = []*Map{v}
	case []any:
		for _, item := range v {
			m, ok := item.(*Map)
			if !ok {
				return fmt.Errorf("line %d: merge value must be a mapping", line)
			}
			sources = append(sources, m)
		}
	default:
		return fmt.Errorf("line %d: merge value must be a mapping", line)
	}
	for _, src := range sources {
		for _, key := range src.Keys() {
			if explicit[key] {
				continue
			}
			if _, ok := out.Get(key); ok {
				continue
			}
			v, _ := src.Get(key)
			out.Set(key, v)
		}
	}
	return nil
}

func describeNode(node *yaml.Node) string {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	switch node.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	default:
		return "unknown node"
	}
}
