// Package statedump defines the snapshot of a sandboxed module's persisted
// storage after folding a chain prefix.
package statedump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/ownables/pkg/canonicalize"
)

// Entry is one opaque key/value pair. On the wire it is a two element array
// of base64 strings.
type Entry struct {
	Key   []byte
	Value []byte
}

// MarshalJSON encodes the entry as [key, value].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2][]byte{e.Key, e.Value})
}

// UnmarshalJSON decodes [key, value].
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair [][]byte
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("state dump entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("state dump entry: expected 2 elements, got %d", len(pair))
	}
	e.Key, e.Value = pair[0], pair[1]
	return nil
}

// Dump is an ordered sequence of entries. Two dumps are equal iff their
// byte-pair sequences are equal.
type Dump []Entry

// Empty is the dump of a module with no storage.
func Empty() Dump { return Dump{} }

// Equal compares two dumps entry by entry.
func (d Dump) Equal(o Dump) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if !bytes.Equal(d[i].Key, o[i].Key) || !bytes.Equal(d[i].Value, o[i].Value) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (d Dump) Clone() Dump {
	out := make(Dump, len(d))
	for i, e := range d {
		out[i] = Entry{Key: bytes.Clone(e.Key), Value: bytes.Clone(e.Value)}
	}
	return out
}

// Get returns the value stored under key.
func (d Dump) Get(key string) ([]byte, bool) {
	for _, e := range d {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Map converts the dump to a map keyed by string(key).
func (d Dump) Map() map[string][]byte {
	m := make(map[string][]byte, len(d))
	for _, e := range d {
		m[string(e.Key)] = e.Value
	}
	return m
}

// FromMap builds a dump with entries sorted by key.
func FromMap(m map[string][]byte) Dump {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Dump, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: []byte(k), Value: m[k]})
	}
	return out
}

// Digest returns the content hash of the dump. It is stored next to cached
// dumps so corrupted entries can be detected on read.
func (d Dump) Digest() string {
	if d == nil {
		d = Dump{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		// Entries only hold byte slices; marshalling cannot fail.
		panic(fmt.Sprintf("statedump: marshal: %v", err))
	}
	return canonicalize.HashBytes(raw)
}

// Decode parses a JSON encoded dump. A JSON null decodes to an empty dump.
func Decode(data []byte) (Dump, error) {
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode state dump: %w", err)
	}
	if d == nil {
		d = Dump{}
	}
	return d, nil
}
