package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldValue is one submitted key/value pair.
type FieldValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// FieldValues is an insertion-ordered map with unique keys.
// It marshals as a JSON object whose key order matches insertion order.
type FieldValues struct {
	entries []FieldValue
	index   map[string]int
}

// NewFieldValues builds an ordered map from pairs; later duplicates overwrite in place.
func NewFieldValues(pairs ...FieldValue) *FieldValues {
	fv := &FieldValues{}
	for _, p := range pairs {
		fv.Set(p.Key, p.Value)
	}
	return fv
}

// Set inserts key or replaces its value, keeping the original position.
func (fv *FieldValues) Set(key string, value any) {
	if fv.index == nil {
		fv.index = make(map[string]int)
	}
	if i, ok := fv.index[key]; ok {
		fv.entries[i].Value = value
		return
	}
	fv.index[key] = len(fv.entries)
	fv.entries = append(fv.entries, FieldValue{Key: key, Value: value})
}

// Get returns the value for key.
func (fv *FieldValues) Get(key string) (any, bool) {
	if fv == nil || fv.index == nil {
		return nil, false
	}
	i, ok := fv.index[key]
	if !ok {
		return nil, false
	}
	return fv.entries[i].Value, true
}

// String returns the value for key formatted as a string, or "" when absent.
func (fv *FieldValues) String(key string) string {
	v, ok := fv.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Len returns the number of entries.
func (fv *FieldValues) Len() int {
	if fv == nil {
		return 0
	}
	return len(fv.entries)
}

// Entries returns a copy of the ordered pairs.
func (fv *FieldValues) Entries() []FieldValue {
	if fv == nil {
		return nil
	}
	out := make([]FieldValue, len(fv.entries))
	copy(out, fv.entries)
	return out
}

// Map returns an unordered copy, convenient for prompt and rule evaluation.
func (fv *FieldValues) Map() map[string]any {
	out := make(map[string]any, fv.Len())
	if fv == nil {
		return out
	}
	for _, e := range fv.entries {
		out[e.Key] = e.Value
	}
	return out
}

// MarshalJSON writes the entries as an object in insertion order.
func (fv FieldValues) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range fv.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", e.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object preserving key order. Duplicate keys keep the last value.
func (fv *FieldValues) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*fv = FieldValues{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("field values: expected object")
	}
	out := FieldValues{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("field values: non-string key")
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		out.Set(key, normalizeNumber(raw))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*fv = out
	return nil
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumber(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumber(t[k])
		}
		return t
	}
	return v
}
