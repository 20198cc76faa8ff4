package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by point reads of absent keys.
var ErrNotFound = pebble.ErrNotFound

// DB is a Pebble database with a fixed commit durability.
type DB struct {
	inner   *pebble.DB
	commit  *pebble.WriteOptions
	metrics MetricsHook
}

// Open opens the database in opts.DataDir, creating it when missing.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if window := opts.walSyncInterval(); window != nil {
		po.WALMinSyncInterval = window
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	db := &DB{inner: inner, commit: pebble.NoSync, metrics: opts.Metrics}
	if opts.Fsync == FsyncModeAlways {
		db.commit = pebble.Sync
	}
	if db.metrics == nil {
		db.metrics = NoopMetrics{}
	}
	return db, nil
}

// Close closes the database. Closing twice is a no-op.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	inner := db.inner
	db.inner = nil
	return inner.Close()
}

// NewSnapshot pins the current state. The caller closes it.
func (db *DB) NewSnapshot() *pebble.Snapshot { return db.inner.NewSnapshot() }

// NewBatch returns a write-only batch; commit it with CommitBatch.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b with the configured durability and reports it to
// the metrics hook.
func (db *DB) CommitBatch(_ context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	start, ops, size := time.Now(), int(b.Count()), b.Len()
	err := b.Commit(db.commit)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// write commits a single-operation batch.
func (db *DB) write(stage func(*pebble.Batch) error) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := stage(b); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Set stores key=value outside any transaction.
func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	if err := db.write(func(b *pebble.Batch) error { return b.Set(key, value, nil) }); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Delete removes key outside any transaction.
func (db *DB) Delete(key []byte) error {
	return db.write(func(b *pebble.Batch) error { return b.Delete(key, nil) })
}

// Get returns a copy of the committed value under key.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	db.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}

// NewIter iterates committed data.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// CompactRange compacts [start, end), used after trimming the command log.
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}
