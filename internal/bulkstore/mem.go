// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package bulkstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

// Mem is an in-memory Store used by component tests in place of a real
// bulk-storage backend.
type Mem struct {
	mu   sync.Mutex
	objs map[string][]byte
	meta map[string]map[string]string
}

func NewMem() *Mem {
	return &Mem{objs: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (m *Mem) Get(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[key]
	if !ok {
		return nil, &notFoundErr{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Object{Body: io.NopCloser(bytes.NewReader(cp)), Size: int64(len(cp)), Meta: m.meta[key]}, nil
}

func (m *Mem) Head(ctx context.Context, key string) (*Object, error) {
	return m.Get(ctx, key)
}

func (m *Mem) Put(_ context.Context, key string, body io.Reader, _ int64, meta map[string]string) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[key] = b
	m.meta[key] = meta
	return nil
}

func (m *Mem) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objs, k)
		delete(m.meta, k)
	}
	return nil
}

func (m *Mem) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objs {
		if len(opts.Prefix) == 0 || (len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &ListResult{Keys: keys}, nil
}
