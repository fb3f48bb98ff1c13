// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"sort"
	"sync"
)

// MemorySources is a SourceStore that lives in memory only.
type MemorySources struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemorySources returns a store seeded with keys.
func NewMemorySources(keys ...string) *MemorySources {
	m := &MemorySources{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		m.keys[k] = struct{}{}
	}
	return m
}

func (m *MemorySources) Contains(sourceKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[sourceKey]
	return ok, nil
}

func (m *MemorySources) Add(sourceKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[sourceKey] = struct{}{}
	return nil
}

func (m *MemorySources) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
