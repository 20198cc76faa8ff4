package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/correlator/internal/correlation"
	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
	"github.com/rzbill/correlator/pkg/id"
)

type events struct {
	correlation.NopListener

	mu         sync.Mutex
	correlated []int64
	started    []int64
}

func (e *events) MessageCorrelated(_ protocol.ProcessMessageSubscriptionRecord, messageKey int64, _ json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.correlated = append(e.correlated, messageKey)
}

func (e *events) StartEventTriggered(_ protocol.MessageStartEventSubscriptionRecord, key int64, _ protocol.MessageRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, key)
}

func (e *events) correlatedKeys() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.correlated...)
}

// quiet disables the timers.
func quiet(o *Options) {
	o.ExpiryCheckInterval = -1
	o.PendingCheckInterval = -1
}

func openPartition(t *testing.T, dir string, mutate ...func(*Options)) *Partition {
	t.Helper()
	opts := Options{ID: 1, Count: 1, DataDir: dir}
	quiet(&opts)
	for _, m := range mutate {
		m(&opts)
	}
	p, err := Open(opts)
	require.NoError(t, err)
	return p
}

func startPartition(t *testing.T, mutate ...func(*Options)) *Partition {
	t.Helper()
	p := openPartition(t, t.TempDir(), mutate...)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	return p
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openSubscription(eik int64, ck string) protocol.Command {
	return protocol.Command{
		Type: protocol.CommandOpenProcessSubscription,
		ProcessSubscription: &protocol.ProcessMessageSubscriptionRecord{
			ProcessInstanceKey: id.Encode(1, 900),
			ElementInstanceKey: eik,
			BpmnProcessID:      "order-process",
			ElementID:          "wait-payment",
			MessageName:        "order-paid",
			CorrelationKey:     ck,
			Interrupting:       true,
		},
	}
}

func submitAndWait(t *testing.T, p *Partition, cmd protocol.Command) {
	t.Helper()
	seq, err := p.Submit(ctxT(t), cmd)
	require.NoError(t, err)
	require.NoError(t, p.WaitApplied(ctxT(t), seq))
}

func TestPublishIsAnsweredWhenBuffered(t *testing.T) {
	p := startPartition(t)
	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeBuffered, resp.Outcome)
	assert.NotZero(t, resp.MessageKey)
	assert.EqualValues(t, 1, id.PartitionOf(resp.MessageKey))

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.BufferedMessages)
	assert.True(t, stats.Healthy)
	assert.NotZero(t, stats.StorageCommits)
	assert.NotZero(t, stats.StorageBytesWritten)
}

func TestPublishWaitsForCorrelation(t *testing.T) {
	ev := &events{}
	p := startPartition(t, func(o *Options) { o.Listener = ev })
	submitAndWait(t, p, openSubscription(500, "order-42"))

	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeCorrelated, resp.Outcome)
	assert.EqualValues(t, 500, resp.ElementInstanceKey)
	assert.Equal(t, []int64{resp.MessageKey}, ev.correlatedKeys())

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.BufferedMessages)
	assert.Zero(t, stats.PendingHandshakes)
	assert.EqualValues(t, 1, stats.Correlated)

	exists, err := p.ExistsSubscriptionForElement(500)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBufferedMessageCorrelatesLater(t *testing.T) {
	ev := &events{}
	p := startPartition(t, func(o *Options) { o.Listener = ev })
	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
	require.NoError(t, err)

	submitAndWait(t, p, openSubscription(500, "order-42"))
	require.Eventually(t, func() bool { return len(ev.correlatedKeys()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, resp.MessageKey, ev.correlatedKeys()[0])
}

func TestReplayAppliesUnappliedCommands(t *testing.T) {
	dir := t.TempDir()
	p := openPartition(t, dir)
	for _, ck := range []string{"order-1", "order-2"} {
		_, err := p.Submit(ctxT(t), protocol.Command{
			Type:    protocol.CommandPublishMessage,
			Message: &protocol.MessageRecord{Name: "order-paid", CorrelationKey: ck, TimeToLive: 60_000},
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())

	p = openPartition(t, dir)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	stats, err := p.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.AppliedSeq)
	assert.EqualValues(t, 2, stats.BufferedMessages)
}

type dropRouter struct {
	mu   sync.Mutex
	sent []protocol.Command
}

func (r *dropRouter) Deliver(_ context.Context, _ int32, cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cmd)
	return nil
}

func (r *dropRouter) at(i int) protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[i]
}

func (r *dropRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// keyOn returns a correlation key owned by partition want.
func keyOn(want, count int32) string {
	for i := 0; ; i++ {
		ck := fmt.Sprintf("order-%d", i)
		if protocol.SubscriptionPartitionID(ck, count) == want {
			return ck
		}
	}
}

func TestRestartRebuildsPendingHandshakes(t *testing.T) {
	dir := t.TempDir()
	router := &dropRouter{}
	remote := func(o *Options) { o.Count = 2; o.Router = router }

	p := openPartition(t, dir, remote)
	require.NoError(t, p.Start(context.Background()))
	submitAndWait(t, p, openSubscription(500, keyOn(2, 2)))
	assert.Equal(t, 1, router.count())
	require.NoError(t, p.Close())

	p = openPartition(t, dir, remote)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingHandshakes)
}

func TestRetryTimerResendsHandshake(t *testing.T) {
	router := &dropRouter{}
	p := startPartition(t, func(o *Options) {
		o.Count = 2
		o.Router = router
		o.PendingCheckInterval = 5 * time.Millisecond
		o.PendingRetryInterval = 20 * time.Millisecond
	})
	submitAndWait(t, p, openSubscription(500, keyOn(2, 2)))
	require.Eventually(t, func() bool { return router.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.CommandOpenMessageSubscription, router.at(1).Type)
}

func TestExpiryTimerExpiresMessages(t *testing.T) {
	p := startPartition(t, func(o *Options) { o.ExpiryCheckInterval = 5 * time.Millisecond })
	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 1})
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeBuffered, resp.Outcome)

	require.Eventually(t, func() bool {
		s, err := p.Stats()
		return err == nil && s.Expired == 1 && s.BufferedMessages == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFatalInconsistencyStopsPartition(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	fatal := make(chan error, 1)
	p := startPartition(t, func(o *Options) {
		o.Now = func() time.Time { return now }
		o.OnFatal = func(_ int32, err error) { fatal <- err }
	})
	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 10})
	require.NoError(t, err)
	require.NoError(t, p.db.Delete(keys.New(keys.MessageByKey).Int(resp.MessageKey).Bytes()))

	_, err = p.Submit(ctxT(t), protocol.Command{Type: protocol.CommandExpireMessages, Timestamp: now.UnixMilli() + 1000})
	require.NoError(t, err)
	select {
	case err := <-fatal:
		assert.True(t, state.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("partition did not stop")
	}
	assert.True(t, state.IsFatal(p.Err()))

	_, err = p.Submit(ctxT(t), protocol.Command{Type: protocol.CommandRetryPending})
	assert.ErrorIs(t, err, ErrStopped)
	stats, err := p.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Healthy)
}

func TestInvalidExpressionIsReported(t *testing.T) {
	p := startPartition(t)
	cmd := openSubscription(500, "")
	cmd.ProcessSubscription.CorrelationKeyExpression = "vars.orderId +"
	submitAndWait(t, p, cmd)

	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeBuffered, resp.Outcome)
	stats, err := p.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.SubscriptionsRejected)
}

func TestRejectedCommandIsSkipped(t *testing.T) {
	p := startPartition(t)
	seqs, err := p.Log().Append(ctxT(t), []protocol.Command{{Type: "UNKNOWN"}})
	require.NoError(t, err)
	require.NoError(t, p.WaitApplied(ctxT(t), seqs[0]))
	assert.NoError(t, p.Err())

	resp, err := p.Publish(ctxT(t), protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeBuffered, resp.Outcome)
}

func TestSubmitAfterClose(t *testing.T) {
	p := openPartition(t, t.TempDir())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err := p.Submit(context.Background(), protocol.Command{Type: protocol.CommandRetryPending})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Publish(context.Background(), protocol.MessageRecord{Name: "order-paid"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStorageStatsFollowStoreHook(t *testing.T) {
	metrics := &storageMetrics{}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts := Options{ID: 1, Count: 1}
	opts.setDefaults()
	p, err := newPartition(opts, db, metrics)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("scratch/key"), []byte("value")))

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, metrics.commits.Load(), stats.StorageCommits)
	assert.NotZero(t, stats.StorageCommits)
	assert.NotZero(t, stats.StorageBytesWritten)
}
