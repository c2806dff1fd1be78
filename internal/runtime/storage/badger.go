package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/drblury/actorflow/internal/runtime/logging"
)

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM.
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's own log lines. Nil silences them.
	Logger logging.ServiceLogger
}

// Badger is a Storage backed by an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (and creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("actorflow: badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		out []byte
		ok  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, ok, err = (&badgerTxn{txn: txn}).Get(ctx, key)
		return err
	})
	return out, ok, err
}

func (b *Badger) Put(ctx context.Context, key string, value []byte) error {
	return b.Transaction(ctx, func(tx Txn) error { return tx.Put(ctx, key, value) })
}

func (b *Badger) Delete(ctx context.Context, key string) error {
	return b.Transaction(ctx, func(tx Txn) error { return tx.Delete(ctx, key) })
}

func (b *Badger) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = (&badgerTxn{txn: txn}).List(ctx, prefix)
		return err
	})
	return out, err
}

func (b *Badger) Transaction(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (t *badgerTxn) Put(_ context.Context, key string, value []byte) error {
	return t.txn.Set([]byte(key), clone(value))
}

func (t *badgerTxn) Delete(_ context.Context, key string) error {
	return t.txn.Delete([]byte(key))
}

func (t *badgerTxn) List(ctx context.Context, prefix string) ([]Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []Entry
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: string(item.KeyCopy(nil)), Value: value})
	}
	return out, nil
}

type badgerLogger struct {
	log logging.ServiceLogger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), nil, nil)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...), logging.LogFields{"level": "warning"})
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), nil)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace(fmt.Sprintf(format, args...), nil)
}
