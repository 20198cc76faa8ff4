package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/correlator/internal/keys"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
)

// Txn is the transactional view the stores read and write through. It is
// satisfied by *pebblestore.Txn, and by the read-only *pebblestore.View for
// queries.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIter(lower, upper []byte) (*pebble.Iterator, error)
}

var (
	_ Txn = (*pebblestore.Txn)(nil)
	_ Txn = (*pebblestore.View)(nil)
)

// Clock returns the current logical time in milliseconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

type kv struct {
	key   []byte
	value []byte
}

// scan yields copies of all rows under prefix in key order.
func scan(tx Txn, prefix keys.Key) iter.Seq2[kv, error] {
	return scanRange(tx, prefix.Bytes(), keys.PrefixEnd(prefix))
}

func scanRange(tx Txn, lower, upper []byte) iter.Seq2[kv, error] {
	return func(yield func(kv, error) bool) {
		it, err := tx.NewIter(lower, upper)
		if err != nil {
			yield(kv{}, err)
			return
		}
		defer it.Close()
		for ok := it.First(); ok; ok = it.Next() {
			row := kv{
				key:   append([]byte(nil), it.Key()...),
				value: append([]byte(nil), it.Value()...),
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(kv{}, err)
		}
	}
}

func getJSON(tx Txn, key []byte, v any) error {
	b, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("state: decode %q: %w", key, err)
	}
	return nil
}

func setJSON(tx Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	return tx.Set(key, b)
}

func getInt64(tx Txn, key []byte) (int64, error) {
	b, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return keys.DecodeInt64Value(b)
}

func setInt64(tx Txn, key []byte, v int64) error {
	return tx.Set(key, keys.EncodeInt64Value(v))
}

func decodeRow(row kv, v any) error {
	if err := json.Unmarshal(row.value, v); err != nil {
		return fmt.Errorf("state: decode %q: %w", row.key, err)
	}
	return nil
}
