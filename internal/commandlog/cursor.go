package commandlog

import (
	"errors"

	"github.com/rzbill/correlator/internal/keys"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
)

// Applier names the cursor of the partition's state machine.
const Applier = "applier"

// Writer is the part of a transaction SetApplied needs.
type Writer interface {
	Set(key, value []byte) error
}

func cursorKey(name string) []byte { return keys.New(keys.CommandLogCursor).Str(name).Bytes() }

// SetApplied stages the applied position of cursor name in w. It is meant to
// be written in the transaction that applied seq.
func SetApplied(w Writer, name string, seq uint64) error {
	return w.Set(cursorKey(name), keys.EncodeInt64Value(int64(seq)))
}

// Applied returns the committed position of cursor name, 0 if it never
// advanced.
func (l *Log) Applied(name string) (uint64, error) {
	b, err := l.db.Get(cursorKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := keys.DecodeInt64Value(b)
	return uint64(seq), err
}
