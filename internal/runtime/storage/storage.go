// Package storage is the transactional key-value contract an actor instance
// persists through, plus the in-process implementations.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("actorflow: storage is closed")

// Entry is one key and its value.
type Entry struct {
	Key   string
	Value []byte
}

// Txn is the view a transaction body operates on. Reads observe the
// transaction's own writes.
type Txn interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Storage is a transactional KV store. Every method outside Transaction is
// its own single-operation transaction.
type Storage interface {
	Txn
	// Transaction runs fn atomically. Writes are discarded when fn errors.
	Transaction(ctx context.Context, fn func(tx Txn) error) error
	Close() error
}

// Memory is an in-process Storage. Transactions are serialized and write to
// an overlay that is applied on commit.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		out []byte
		ok  bool
	)
	err := m.Transaction(ctx, func(tx Txn) error {
		var err error
		out, ok, err = tx.Get(ctx, key)
		return err
	})
	return out, ok, err
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.Transaction(ctx, func(tx Txn) error { return tx.Put(ctx, key, value) })
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.Transaction(ctx, func(tx Txn) error { return tx.Delete(ctx, key) })
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := m.Transaction(ctx, func(tx Txn) error {
		var err error
		out, err = tx.List(ctx, prefix)
		return err
	})
	return out, err
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memoryTxn{base: m.data, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryTxn records writes in an overlay; a nil value marks a deletion.
type memoryTxn struct {
	base   map[string][]byte
	writes map[string][]byte
}

func (t *memoryTxn) Get(_ context.Context, key string) ([]byte, bool, error) {
	if v, ok := t.writes[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return clone(v), true, nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (t *memoryTxn) Put(_ context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	t.writes[key] = clone(value)
	return nil
}

func (t *memoryTxn) Delete(_ context.Context, key string) error {
	t.writes[key] = nil
	return nil
}

func (t *memoryTxn) List(_ context.Context, prefix string) ([]Entry, error) {
	merged := make(map[string][]byte)
	for k, v := range t.base {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k, v := range t.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	out := make([]Entry, 0, len(merged))
	for k, v := range merged {
		out = append(out, Entry{Key: k, Value: clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
