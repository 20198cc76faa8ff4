package commandlog

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/correlator/internal/keys"
)

// TrimApplied deletes applied entries, keeping the newest retain of them.
// Deletes are committed in batches of up to batchLimit keys. It returns the
// number of deleted entries.
func (l *Log) TrimApplied(ctx context.Context, retain uint64, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	applied, err := l.Applied(Applier)
	if err != nil {
		return 0, err
	}
	if applied <= retain {
		return 0, nil
	}
	cutoff := applied - retain // entries with seq <= cutoff go

	lower, _ := keys.New(keys.CommandLogEntry).Range()
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: entryKey(cutoff + 1)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	for ok := iter.First(); ok; {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		b := l.db.NewBatch()
		n := 0
		for ; ok && n < batchLimit; ok = iter.Next() {
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			n++
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, err
		}
		b.Close()
		deleted += n
	}
	if err := iter.Error(); err != nil {
		return deleted, err
	}
	if deleted > 0 {
		return deleted, l.db.CompactRange(lower, entryKey(cutoff+1))
	}
	return deleted, nil
}
