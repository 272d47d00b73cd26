// Package payload provides the untyped document type stored by the engines,
// together with deep copy, dotted field paths and a deterministic checksum.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Payload is a JSON-shaped document.
type Payload map[string]any

// Clone returns a deep copy of p. Nested maps and slices are copied; other
// values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return t.Clone()
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Get returns the value at a dotted path such as "address.city".
func (p Payload) Get(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate maps as needed. An
// intermediate value that is not a map is replaced.
func (p Payload) Set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(p)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Delete removes the value at a dotted path.
func (p Payload) Delete(path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(p)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Payload:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// Normalize returns p decoded back from its JSON encoding with numbers kept
// as json.Number. Structs become maps and large integers keep every digit,
// so the result is exactly what a reload from storage yields.
func Normalize(p Payload) (Payload, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	return Decode(data)
}

// Decode parses a JSON object, keeping numbers as json.Number.
func Decode(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out Payload
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func canonical(p Payload) ([]byte, error) {
	n, err := Normalize(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// Checksum returns a hex digest of the canonical JSON encoding of p. The
// encoding is taken after Normalize, so a payload hashes the same before and
// after a storage round trip.
func Checksum(p Payload) string {
	data, err := canonical(p)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(p)))
	}
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

// Equal reports whether a and b have the same canonical encoding.
func Equal(a, b Payload) bool {
	da, errA := canonical(a)
	db, errB := canonical(b)
	return errA == nil && errB == nil && bytes.Equal(da, db)
}
