package correlation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
	"github.com/rzbill/correlator/pkg/id"
)

type sentCommand struct {
	partition int32
	cmd       protocol.Command
}

type correlated struct {
	elementInstanceKey int64
	messageKey         int64
	variables          string
}

type started struct {
	bpmnProcessID      string
	processInstanceKey int64
	messageKey         int64
}

type recorder struct {
	sent       []sentCommand
	responses  []protocol.PublishResponse
	correlated []correlated
	started    []started
	rejected   []int64
	expired    []int64
	duplicates []int64
	subErrors  []error
}

func (r *recorder) Send(p int32, cmd protocol.Command) {
	r.sent = append(r.sent, sentCommand{partition: p, cmd: cmd})
}

func (r *recorder) Respond(resp protocol.PublishResponse) { r.responses = append(r.responses, resp) }

func (r *recorder) MessageCorrelated(sub protocol.ProcessMessageSubscriptionRecord, messageKey int64, vars json.RawMessage) {
	r.correlated = append(r.correlated, correlated{sub.ElementInstanceKey, messageKey, string(vars)})
}

func (r *recorder) StartEventTriggered(start protocol.MessageStartEventSubscriptionRecord, key int64, msg protocol.MessageRecord) {
	r.started = append(r.started, started{start.BpmnProcessID, key, msg.Key})
}

func (r *recorder) StartEventRejected(_ protocol.MessageStartEventSubscriptionRecord, msg protocol.MessageRecord) {
	r.rejected = append(r.rejected, msg.Key)
}

func (r *recorder) MessageExpired(msg protocol.MessageRecord) { r.expired = append(r.expired, msg.Key) }

func (r *recorder) DuplicateIgnored(_ protocol.MessageRecord, orig int64) {
	r.duplicates = append(r.duplicates, orig)
}

func (r *recorder) SubscriptionRejected(_ protocol.ProcessMessageSubscriptionRecord, err error) {
	r.subErrors = append(r.subErrors, err)
}

// ofType returns and keeps the sent commands of type ct.
func (r *recorder) ofType(ct protocol.CommandType) []sentCommand {
	var out []sentCommand
	for _, s := range r.sent {
		if s.cmd.Type == ct {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	t     *testing.T
	db    *pebblestore.DB
	clock *LogicalClock
	rec   *recorder
	o     *Orchestrator
	opts  Options
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{t: t, db: db, clock: NewLogicalClock(0), rec: &recorder{}}
	h.opts = Options{
		PartitionID:          1,
		PartitionCount:       1,
		Clock:                h.clock,
		Sender:               h.rec,
		Responder:            h.rec,
		Listener:             h.rec,
		PendingRetryInterval: 10_000,
	}
	for _, m := range mutate {
		m(&h.opts)
	}
	h.o, err = New(h.opts)
	require.NoError(t, err)
	return h
}

// restart simulates a fresh process over the same store: new trackers and a
// new orchestrator.
func (h *harness) restart() {
	h.t.Helper()
	opts := h.opts
	opts.MessagePending = nil
	opts.ProcessPending = nil
	o, err := New(opts)
	require.NoError(h.t, err)
	h.o = o
}

func (h *harness) at(ms int64) { h.clock.Set(ms) }

// do runs fn in one committed transaction.
func (h *harness) do(fn func(tx state.Txn) error) {
	h.t.Helper()
	tx := h.db.Begin()
	defer tx.Rollback()
	require.NoError(h.t, fn(tx))
	require.NoError(h.t, tx.Commit(context.Background()))
}

// read runs fn in a transaction that is discarded.
func (h *harness) read(fn func(st *state.State)) {
	tx := h.db.Begin()
	defer tx.Rollback()
	fn(h.o.state(tx))
}

func (h *harness) apply(cmd protocol.Command) {
	h.t.Helper()
	h.do(func(tx state.Txn) error { return h.o.Apply(tx, cmd) })
}

// drain applies sent commands in order until none are left, like the
// partition loopback does.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; len(h.rec.sent) > 0; i++ {
		require.Less(h.t, i, 100, "handshake does not settle")
		next := h.rec.sent[0]
		h.rec.sent = h.rec.sent[1:]
		h.apply(next.cmd)
	}
}

func (h *harness) publish(name, ck string, ttl int64, opts ...func(*protocol.MessageRecord)) protocol.PublishResponse {
	h.t.Helper()
	msg := protocol.MessageRecord{Name: name, CorrelationKey: ck, TimeToLive: ttl}
	for _, o := range opts {
		o(&msg)
	}
	var resp protocol.PublishResponse
	h.do(func(tx state.Txn) error {
		var err error
		resp, err = h.o.Publish(tx, msg, &protocol.RequestData{RequestID: int64(len(h.rec.responses) + 1)})
		return err
	})
	return resp
}

func withID(id string) func(*protocol.MessageRecord) {
	return func(m *protocol.MessageRecord) { m.MessageID = id }
}

func withVars(v string) func(*protocol.MessageRecord) {
	return func(m *protocol.MessageRecord) { m.Variables = json.RawMessage(v) }
}

func elementSub(eik int64, name, ck string) protocol.MessageSubscriptionRecord {
	return protocol.MessageSubscriptionRecord{
		ProcessInstanceKey: id.Encode(1, 900),
		ElementInstanceKey: eik,
		BpmnProcessID:      "order-process",
		MessageName:        name,
		CorrelationKey:     ck,
		Interrupting:       true,
	}
}

func (h *harness) openMessageSubscription(sub protocol.MessageSubscriptionRecord) {
	h.t.Helper()
	h.do(func(tx state.Txn) error { return h.o.OpenMessageSubscription(tx, sub) })
}

func (h *harness) messageSubscription(eik int64, name string) (protocol.MessageSubscriptionRecord, bool) {
	var (
		sub protocol.MessageSubscriptionRecord
		err error
	)
	h.read(func(st *state.State) { sub, err = st.MessageSubscriptions.Get(eik, name) })
	if err != nil {
		require.ErrorIs(h.t, err, state.ErrNotFound)
		return sub, false
	}
	return sub, true
}

func (h *harness) bufferedCount() int64 {
	var (
		n   int64
		err error
	)
	h.read(func(st *state.State) { n, err = st.Messages.BufferedCount() })
	require.NoError(h.t, err)
	return n
}

func (h *harness) messageExists(key int64) bool {
	var err error
	h.read(func(st *state.State) { _, err = st.Messages.Get(key) })
	return err == nil
}

func messagePrimaryKey(key int64) []byte {
	return keys.New(keys.MessageByKey).Int(key).Bytes()
}
