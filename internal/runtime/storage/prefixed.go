package storage

import (
	"context"
	"strings"
)

// Prefixed scopes every key of s under prefix. Actor instances sharing one
// store each get their own prefix.
func Prefixed(s Storage, prefix string) Storage {
	return &prefixed{inner: s, prefix: prefix}
}

type prefixed struct {
	inner  Storage
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *prefixed) Put(ctx context.Context, key string, value []byte) error {
	return p.inner.Put(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := p.inner.List(ctx, p.prefix+prefix)
	return p.strip(entries), err
}

func (p *prefixed) Transaction(ctx context.Context, fn func(tx Txn) error) error {
	return p.inner.Transaction(ctx, func(tx Txn) error {
		return fn(&prefixedTxn{inner: tx, owner: p})
	})
}

// Close is a no-op: the underlying store is shared.
func (p *prefixed) Close() error { return nil }

func (p *prefixed) strip(entries []Entry) []Entry {
	for i := range entries {
		entries[i].Key = strings.TrimPrefix(entries[i].Key, p.prefix)
	}
	return entries
}

type prefixedTxn struct {
	inner Txn
	owner *prefixed
}

func (t *prefixedTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return t.inner.Get(ctx, t.owner.prefix+key)
}

func (t *prefixedTxn) Put(ctx context.Context, key string, value []byte) error {
	return t.inner.Put(ctx, t.owner.prefix+key, value)
}

func (t *prefixedTxn) Delete(ctx context.Context, key string) error {
	return t.inner.Delete(ctx, t.owner.prefix+key)
}

func (t *prefixedTxn) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := t.inner.List(ctx, t.owner.prefix+prefix)
	return t.owner.strip(entries), err
}
