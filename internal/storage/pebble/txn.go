package pebblestore

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
)

// ErrTxnDone is returned when a finished transaction is used again.
var ErrTxnDone = errors.New("pebble: transaction already committed or rolled back")

// Txn is a read-your-writes transaction backed by an indexed batch. Reads see
// committed data plus the transaction's own pending writes; nothing becomes
// visible to other readers until Commit.
//
// A Txn is not safe for concurrent use. The partition applies one command per
// Txn from a single goroutine.
type Txn struct {
	db    *DB
	batch *pebble.Batch
	done  bool
}

// Begin starts a new transaction.
func (db *DB) Begin() *Txn {
	return &Txn{db: db, batch: db.inner.NewIndexedBatch()}
}

// Get copies the value stored under key. It returns ErrNotFound when absent.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	val, closer, err := t.batch.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Has reports whether key exists.
func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Set stages key=value.
func (t *Txn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.batch.Set(key, value, nil)
}

// Delete stages the removal of key. Deleting a missing key is a no-op.
func (t *Txn) Delete(key []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.batch.Delete(key, nil)
}

// NewIter returns an iterator over [lower, upper) that merges the pending
// writes of the transaction with committed data. The iterator observes the
// state at creation time.
func (t *Txn) NewIter(lower, upper []byte) (*pebble.Iterator, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	return t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}

// Len returns the number of staged operations.
func (t *Txn) Len() int { return int(t.batch.Count()) }

// Commit applies all staged writes atomically with the DB fsync policy.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.batch.Close()
	if t.batch.Empty() {
		return nil
	}
	return t.db.CommitBatch(ctx, t.batch)
}

// Rollback discards staged writes. Calling Rollback after Commit is a no-op,
// which lets callers defer it unconditionally.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.batch.Close()
}
