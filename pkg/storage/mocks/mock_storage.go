// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package mocks provides a storage.Backend for tests that need to inject
// storage faults.
package mocks

import (
	"sort"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-psa/pkg/storage"
)

// MockStorage is an in-memory storage.Backend whose methods can be
// overridden per test. Calls are recorded.
type MockStorage struct {
	mu sync.RWMutex

	data   map[string][]byte
	closed bool

	// Configurable behavior
	GetFunc    func(key string) ([]byte, error)
	PutFunc    func(key string, value []byte) error
	DeleteFunc func(key string) error
	ListFunc   func(prefix string) ([]string, error)
	ExistsFunc func(key string) (bool, error)
	CloseFunc  func() error

	// Call tracking
	GetCalls    []string
	PutCalls    []string
	DeleteCalls []string
	ListCalls   []string
	ExistsCalls []string
	CloseCalls  int
}

// NewMockStorage creates a MockStorage with default behavior.
func NewMockStorage() *MockStorage {
	return &MockStorage{data: make(map[string][]byte)}
}

// Get retrieves the value for key.
func (m *MockStorage) Get(key string) ([]byte, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, key)
	fn := m.GetFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores value under key.
func (m *MockStorage) Put(key string, value []byte, _ *storage.Options) error {
	m.mu.Lock()
	m.PutCalls = append(m.PutCalls, key)
	fn := m.PutFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key, value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MockStorage) Delete(key string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, key)
	fn := m.DeleteFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	if _, ok := m.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// List returns the keys under prefix in sorted order.
func (m *MockStorage) List(prefix string) ([]string, error) {
	m.mu.Lock()
	m.ListCalls = append(m.ListCalls, prefix)
	fn := m.ListFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(prefix)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key is stored.
func (m *MockStorage) Exists(key string) (bool, error) {
	m.mu.Lock()
	m.ExistsCalls = append(m.ExistsCalls, key)
	fn := m.ExistsFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, storage.ErrClosed
	}
	_, ok := m.data[key]
	return ok, nil
}

// Close marks the storage closed.
func (m *MockStorage) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.closed = true
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

// Len returns the number of stored values.
func (m *MockStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var _ storage.Backend = (*MockStorage)(nil)
