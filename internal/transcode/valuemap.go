// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transcode

import (
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry is one symbol of a value map. Value is expected to be numeric but
// may hold anything a user configured; bad entries are skipped on lookup.
type Entry struct {
	Key   string
	Value any
}

// ValueMap is an ordered symbol to number table. Order matters for reverse
// lookups: the first entry wins on ties.
type ValueMap []Entry

// ParseValueMap parses a JSON object, keeping the document order of its keys.
// An empty or blank string yields a nil map. A repeated key keeps its first
// position and its last value.
func ParseValueMap(raw string) (ValueMap, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("invalid value map: expected a JSON object")
	}

	om := orderedmap.New[string, any]()
	if err := json.Unmarshal([]byte(raw), om); err != nil {
		return nil, fmt.Errorf("invalid value map: %w", err)
	}
	m := make(ValueMap, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		m = append(m, Entry{Key: pair.Key, Value: pair.Value})
	}
	return m, nil
}

// Clone returns a copy that shares no backing array with m.
func (m ValueMap) Clone() ValueMap {
	if m == nil {
		return nil
	}
	out := make(ValueMap, len(m))
	copy(out, m)
	return out
}

// reverse finds the first key whose numeric value equals v.
func (m ValueMap) reverse(v int16) (string, bool) {
	for _, e := range m {
		f, ok := numeric(e.Value)
		if !ok {
			continue
		}
		if int64(f) == int64(v) {
			return e.Key, true
		}
	}
	return "", false
}
