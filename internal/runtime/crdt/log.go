package crdt

import (
	"context"
	"fmt"
	"strconv"

	"github.com/multiformats/go-varint"

	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/storage"
)

const (
	DefaultMaxBytes   = 10 * 1024
	DefaultMaxUpdates = 500
	// MaxBytesCeiling bounds MaxBytes to what one stored value may hold.
	MaxBytesCeiling = 128 * 1024
)

const (
	keyUpdatePrefix = "ydoc:update:"
	keyStateBytes   = "ydoc:state:bytes"
	keyStateCount   = "ydoc:state:count"
	keyStateDoc     = "ydoc:state:doc"
)

// Limits bound the update log before it is folded into the snapshot.
type Limits struct {
	MaxBytes   int `yaml:"max_bytes"`
	MaxUpdates int `yaml:"max_updates"`
}

// WithDefaults fills zero limits.
func (l Limits) WithDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxUpdates <= 0 {
		l.MaxUpdates = DefaultMaxUpdates
	}
	return l
}

// Validate rejects limits a store cannot hold.
func (l Limits) Validate() error {
	if l.MaxBytes > MaxBytesCeiling {
		return fmt.Errorf("crdt max bytes must be at most %d, got %d", MaxBytesCeiling, l.MaxBytes)
	}
	if l.MaxBytes < 0 || l.MaxUpdates < 0 {
		return fmt.Errorf("crdt limits must not be negative")
	}
	return nil
}

// LogOptions configures NewUpdateLog.
type LogOptions struct {
	Limits  Limits
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	// Initial seeds a document that has nothing stored yet. The seeded state
	// is written as the first snapshot.
	Initial func(doc *Doc)
}

// UpdateLog persists document updates as an append-only log next to a
// snapshot. When the log grows past its limits it is folded into the
// snapshot in the same transaction.
type UpdateLog struct {
	store   storage.Storage
	limits  Limits
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	initial func(doc *Doc)
}

// NewUpdateLog binds a log to store.
func NewUpdateLog(store storage.Storage, opts LogOptions) (*UpdateLog, error) {
	if store == nil {
		return nil, fmt.Errorf("crdt update log: store is required")
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	return &UpdateLog{
		store:   store,
		limits:  opts.Limits.WithDefaults(),
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		initial: opts.Initial,
	}, nil
}

// Limits returns the effective limits.
func (l *UpdateLog) Limits() Limits { return l.limits }

// GetDoc rebuilds the document from the snapshot and every logged update.
func (l *UpdateLog) GetDoc(ctx context.Context) (*Doc, error) {
	var doc *Doc
	err := l.store.Transaction(ctx, func(tx storage.Txn) error {
		var err error
		doc, err = l.load(ctx, tx)
		return err
	})
	return doc, err
}

func (l *UpdateLog) load(ctx context.Context, tx storage.Txn) (*Doc, error) {
	doc := NewDoc()
	snapshot, hasSnapshot, err := tx.Get(ctx, keyStateDoc)
	if err != nil {
		return nil, err
	}
	updates, err := tx.List(ctx, keyUpdatePrefix)
	if err != nil {
		return nil, err
	}

	if !hasSnapshot && len(updates) == 0 {
		if l.initial == nil {
			return doc, nil
		}
		l.initial(doc)
		if err := tx.Put(ctx, keyStateDoc, doc.EncodeStateAsUpdate()); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if hasSnapshot {
		if _, err := doc.ApplyUpdate(snapshot); err != nil {
			return nil, fmt.Errorf("apply snapshot: %w", err)
		}
	}
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u.Value); err != nil {
			return nil, fmt.Errorf("apply %s: %w", u.Key, err)
		}
	}
	return doc, nil
}

// StoreUpdate appends update to the log, or compacts when appending would
// exceed either limit.
func (l *UpdateLog) StoreUpdate(ctx context.Context, update []byte) error {
	return l.store.Transaction(ctx, func(tx storage.Txn) error {
		bytes, err := readCounter(ctx, tx, keyStateBytes)
		if err != nil {
			return err
		}
		count, err := readCounter(ctx, tx, keyStateCount)
		if err != nil {
			return err
		}

		nextBytes := bytes + uint64(len(update))
		nextCount := count + 1
		reason := ""
		switch {
		case nextBytes > uint64(l.limits.MaxBytes):
			reason = "bytes"
		case nextCount > uint64(l.limits.MaxUpdates):
			reason = "count"
		}

		if reason != "" {
			doc, err := l.load(ctx, tx)
			if err != nil {
				return err
			}
			if _, err := doc.ApplyUpdate(update); err != nil {
				return err
			}
			return l.compact(ctx, tx, doc, reason)
		}

		if err := tx.Put(ctx, keyStateBytes, varint.ToUvarint(nextBytes)); err != nil {
			return err
		}
		if err := tx.Put(ctx, keyStateCount, varint.ToUvarint(nextCount)); err != nil {
			return err
		}
		return tx.Put(ctx, keyUpdatePrefix+strconv.FormatUint(nextCount, 10), update)
	})
}

// Commit folds the whole log into the snapshot.
func (l *UpdateLog) Commit(ctx context.Context) error {
	return l.store.Transaction(ctx, func(tx storage.Txn) error {
		doc, err := l.load(ctx, tx)
		if err != nil {
			return err
		}
		return l.compact(ctx, tx, doc, "commit")
	})
}

// compact writes doc as the snapshot and clears the log. doc must already
// include every logged update.
func (l *UpdateLog) compact(ctx context.Context, tx storage.Txn, doc *Doc, reason string) error {
	updates, err := tx.List(ctx, keyUpdatePrefix)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := tx.Delete(ctx, u.Key); err != nil {
			return err
		}
	}
	if err := tx.Put(ctx, keyStateBytes, varint.ToUvarint(0)); err != nil {
		return err
	}
	if err := tx.Put(ctx, keyStateCount, varint.ToUvarint(0)); err != nil {
		return err
	}
	snapshot := doc.EncodeStateAsUpdate()
	if err := tx.Put(ctx, keyStateDoc, snapshot); err != nil {
		return err
	}

	l.metrics.Compacted(reason)
	l.logger.Debug("Compacted document log", logging.LogFields{
		"reason":         reason,
		"folded_updates": len(updates),
		"snapshot_bytes": len(snapshot),
	})
	return nil
}

// Stats reports the current log size.
func (l *UpdateLog) Stats(ctx context.Context) (bytes, count uint64, err error) {
	err = l.store.Transaction(ctx, func(tx storage.Txn) error {
		var err error
		if bytes, err = readCounter(ctx, tx, keyStateBytes); err != nil {
			return err
		}
		count, err = readCounter(ctx, tx, keyStateCount)
		return err
	})
	return bytes, count, err
}

func readCounter(ctx context.Context, tx storage.Txn, key string) (uint64, error) {
	raw, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, _, err := varint.FromUvarint(raw)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}
