package commandlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
)

// ErrEmpty is returned by Append when there is nothing to append.
var ErrEmpty = errors.New("commandlog: no commands to append")

// Log provides append-only operations for one partition's commands.
type Log struct {
	db *pebblestore.DB

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

func metaKey() []byte { return keys.New(keys.CommandLogMeta).Bytes() }

func entryKey(seq uint64) []byte { return keys.New(keys.CommandLogEntry).Int(int64(seq)).Bytes() }

func seqOf(key []byte) (uint64, error) {
	d := keys.NewDecoder(key, keys.CommandLogEntry)
	seq := d.Int()
	if err := d.Err(); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// Open loads the last assigned sequence of the log stored in db.
func Open(db *pebblestore.DB) (*Log, error) {
	l := &Log{db: db, notifyCh: make(chan struct{})}
	meta, err := db.Get(metaKey())
	switch {
	case errors.Is(err, pebblestore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("commandlog: read meta: %w", err)
	default:
		last, err := keys.DecodeInt64Value(meta)
		if err != nil {
			return nil, fmt.Errorf("commandlog: read meta: %w", err)
		}
		l.lastSeq = uint64(last)
	}
	return l, nil
}

// Append appends cmds as a single atomic batch and returns their sequence
// numbers. Sequences start at 1.
func (l *Log) Append(ctx context.Context, cmds []protocol.Command) ([]uint64, error) {
	if len(cmds) == 0 {
		return nil, ErrEmpty
	}
	values := make([][]byte, len(cmds))
	for i, c := range cmds {
		payload, err := protocol.Encode(c)
		if err != nil {
			return nil, err
		}
		values[i] = encodeRecord([]byte(c.Type), payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seqs := make([]uint64, len(cmds))
	next := l.lastSeq
	for i, v := range values {
		next++
		if err := b.Set(entryKey(next), v, nil); err != nil {
			return nil, err
		}
		seqs[i] = next
	}
	if err := b.Set(metaKey(), keys.EncodeInt64Value(int64(next)), nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// LastSeq returns the sequence of the newest appended command, 0 if none.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}
