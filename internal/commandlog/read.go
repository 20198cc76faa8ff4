package commandlog

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
)

// Token encodes a read position as seq (8 bytes big-endian). The zero Token
// starts at the oldest entry, or the newest when reading in reverse.
type Token [8]byte

// TokenFromSeq returns the token positioned at seq.
func TokenFromSeq(seq uint64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[:], seq)
	return t
}

func (t Token) Seq() uint64 { return binary.BigEndian.Uint64(t[:]) }

// IsZero reports whether t carries no position.
func (t Token) IsZero() bool { return t.Seq() == 0 }

type ReadOptions struct {
	Start   Token
	Limit   int
	Reverse bool
}

// Entry is one stored command.
type Entry struct {
	Seq     uint64
	Type    protocol.CommandType
	Command protocol.Command
}

// Read returns up to Limit entries starting at Start (inclusive) and the
// token of the entry that follows them, which is zero when the scan reached
// the end. A zero Limit reads everything.
func (l *Log) Read(opts ReadOptions) ([]Entry, Token, error) {
	var next Token
	lower, upper := keys.New(keys.CommandLogEntry).Range()
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, next, err
	}
	defer iter.Close()

	startSeq := opts.Start.Seq()
	var ok bool
	switch {
	case opts.Reverse && startSeq == 0:
		ok = iter.Last()
	case opts.Reverse:
		ok = iter.SeekLT(entryKey(startSeq + 1))
	case startSeq == 0:
		ok = iter.First()
	default:
		ok = iter.SeekGE(entryKey(startSeq))
	}

	entries := make([]Entry, 0, max(opts.Limit, 1))
	for ; ok && (opts.Limit == 0 || len(entries) < opts.Limit); ok = step(iter, opts.Reverse) {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return entries, next, err
		}
		entries = append(entries, e)
	}
	if ok {
		seq, err := seqOf(iter.Key())
		if err != nil {
			return entries, next, err
		}
		next = TokenFromSeq(seq)
	}
	return entries, next, iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

func decodeEntry(key, value []byte) (Entry, error) {
	seq, err := seqOf(key)
	if err != nil {
		return Entry{}, err
	}
	header, payload, err := decodeRecord(value)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: seq %d", err, seq)
	}
	cmd, err := protocol.Decode(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("commandlog: decode seq %d: %w", seq, err)
	}
	return Entry{Seq: seq, Type: protocol.CommandType(header), Command: cmd}, nil
}
