package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
)

type testClock struct{ now int64 }

func (c *testClock) Now() int64 { return c.now }

type fixture struct {
	db      *pebblestore.DB
	tx      *pebblestore.Txn
	st      *State
	clock   *testClock
	msgPend *PendingTracker
	prcPend *PendingTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	f := &fixture{db: db, clock: &testClock{now: 1_000}, msgPend: NewPendingTracker(), prcPend: NewPendingTracker()}
	f.begin()
	t.Cleanup(func() {
		f.tx.Rollback()
		_ = db.Close()
	})
	return f
}

func (f *fixture) begin() {
	f.tx = f.db.Begin()
	f.st = New(f.tx, Options{
		PartitionID:    1,
		Clock:          f.clock,
		MessagePending: f.msgPend,
		ProcessPending: f.prcPend,
	})
}

// commit makes the current writes durable and starts a new transaction.
func (f *fixture) commit(t *testing.T) {
	t.Helper()
	require.NoError(t, f.tx.Commit(context.Background()))
	f.begin()
}
