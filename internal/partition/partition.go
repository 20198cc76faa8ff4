package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/correlator/internal/commandlog"
	"github.com/rzbill/correlator/internal/correlation"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
	"github.com/rzbill/correlator/pkg/log"
)

var (
	// ErrClosed is returned by operations on a closed partition.
	ErrClosed = errors.New("partition: closed")
	// ErrStopped is returned once the partition stopped applying commands
	// after a fatal error.
	ErrStopped = errors.New("partition: stopped after fatal error")
	// ErrUnknownPartition is returned for a partition id the node does not host.
	ErrUnknownPartition = errors.New("partition: unknown partition")
)

const applyBatchSize = 256

// Router delivers a command to another partition of the node.
type Router interface {
	Deliver(ctx context.Context, partitionID int32, cmd protocol.Command) error
}

// Options configures a Partition.
type Options struct {
	ID    int32
	Count int32

	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration

	NodeID   string
	Logger   log.Logger
	Listener correlation.Listener
	// Router carries commands for other partitions. Without one every
	// command is applied locally.
	Router Router
	// OnFatal is called once when the partition stops on a fatal error.
	OnFatal func(partitionID int32, err error)
	Now     func() time.Time

	ExpiryCheckInterval  time.Duration
	PendingCheckInterval time.Duration
	PendingRetryInterval time.Duration
	ExpiryBatchLimit     int
	// RetainApplied is how many applied commands stay in the log.
	RetainApplied uint64
}

func (o *Options) setDefaults() {
	if o.Count < o.ID {
		o.Count = o.ID
	}
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = log.NewNop()
	}
	if o.Listener == nil {
		o.Listener = correlation.NopListener{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ExpiryCheckInterval == 0 {
		o.ExpiryCheckInterval = time.Minute
	}
	if o.PendingCheckInterval == 0 {
		o.PendingCheckInterval = time.Second
	}
	if o.PendingRetryInterval <= 0 {
		o.PendingRetryInterval = 10 * time.Second
	}
	if o.RetainApplied == 0 {
		o.RetainApplied = 10_000
	}
}

// Partition is the single writer of one partition's state. Commands are
// appended to its command log and applied in log order, each in its own
// transaction together with the applied position. Side effects of a command
// (handshake commands, publish answers, engine callbacks) are released only
// after that transaction commits.
type Partition struct {
	opts   Options
	logger log.Logger

	db       *pebblestore.DB
	log      *commandlog.Log
	clock    *correlation.LogicalClock
	orch     *correlation.Orchestrator
	counters *counters
	metrics  *storageMetrics
	listener correlation.Listener
	fx       *effects
	streamID int32

	applied      atomic.Uint64
	fatal        atomic.Pointer[error]
	expiryQueued atomic.Bool
	retryQueued  atomic.Bool

	mu          sync.Mutex
	waiters     map[int64]chan publishResult
	nextRequest atomic.Int64

	lifecycle sync.RWMutex
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type publishResult struct {
	resp protocol.PublishResponse
	err  error
}

// Open opens the partition's store and command log. Nothing is applied
// until Start.
func Open(opts Options) (*Partition, error) {
	if opts.ID < 1 {
		return nil, fmt.Errorf("partition: ids start at 1, got %d", opts.ID)
	}
	opts.setDefaults()

	metrics := &storageMetrics{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("partition %d: open store: %w", opts.ID, err)
	}
	p, err := newPartition(opts, db, metrics)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// newPartition builds a partition over db. metrics must be the hook db
// reports to.
func newPartition(opts Options, db *pebblestore.DB, metrics *storageMetrics) (*Partition, error) {
	cl, err := commandlog.Open(db)
	if err != nil {
		return nil, err
	}
	applied, err := cl.Applied(commandlog.Applier)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		opts: opts,
		logger: opts.Logger.WithComponent("partition").With(
			log.Int32("partition_id", opts.ID), log.Str("node_id", opts.NodeID)),
		db:       db,
		log:      cl,
		clock:    correlation.NewLogicalClock(0),
		counters: &counters{next: opts.Listener},
		metrics:  metrics,
		streamID: int32(uuid.New().ID() & 0x7fffffff),
		waiters:  map[int64]chan publishResult{},
		done:     make(chan struct{}),
	}
	p.listener = p.counters
	p.fx = &effects{p: p}
	p.applied.Store(applied)

	p.orch, err = correlation.New(correlation.Options{
		PartitionID:          opts.ID,
		PartitionCount:       opts.Count,
		Clock:                p.clock,
		Logger:               opts.Logger,
		Sender:               p.fx,
		Responder:            p.fx,
		Listener:             p.fx,
		ExpiryBatchLimit:     opts.ExpiryBatchLimit,
		PendingRetryInterval: opts.PendingRetryInterval.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the partition id.
func (p *Partition) ID() int32 { return p.opts.ID }

// Start replays the commands appended but not applied before the last
// shutdown, rebuilds the retry schedule, and starts the apply loop and the
// expiry and retry timers.
func (p *Partition) Start(ctx context.Context) error {
	from := p.applied.Load()
	n, err := p.drain(ctx)
	if err != nil {
		p.fail(err)
		return err
	}
	if err := p.rebuildPending(); err != nil {
		return err
	}
	p.logger.Info("partition started",
		log.Int64("applied_seq", int64(p.applied.Load())),
		log.Int64("replay_from", int64(from)),
		log.Int("replayed", n))

	runCtx, cancel := context.WithCancel(context.Background())
	p.lifecycle.Lock()
	p.cancel = cancel
	p.lifecycle.Unlock()

	p.wg.Add(1)
	go p.run(runCtx)
	if p.opts.ExpiryCheckInterval > 0 {
		p.wg.Add(1)
		go p.every(runCtx, p.opts.ExpiryCheckInterval, func() {
			p.enqueue(protocol.CommandExpireMessages, &p.expiryQueued)
		})
	}
	if p.opts.PendingCheckInterval > 0 {
		p.wg.Add(1)
		go p.every(runCtx, p.opts.PendingCheckInterval, func() {
			if p.orch.RetryDue(p.opts.Now().UnixMilli()) {
				p.enqueue(protocol.CommandRetryPending, &p.retryQueued)
			}
		})
	}
	return nil
}

func (p *Partition) rebuildPending() error {
	tx := p.db.Begin()
	defer tx.Rollback()
	return p.orch.OnRecovered(tx)
}

func (p *Partition) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		if _, err := p.drain(ctx); err != nil {
			p.fail(err)
			return
		}
		if !p.log.WaitForAppend(ctx, p.applied.Load()) {
			return
		}
	}
}

func (p *Partition) every(ctx context.Context, interval time.Duration, fn func()) {
	defer p.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// drain applies every command after the applied position.
func (p *Partition) drain(ctx context.Context) (int, error) {
	n := 0
	for {
		entries, _, err := p.log.Read(commandlog.ReadOptions{
			Start: commandlog.TokenFromSeq(p.applied.Load() + 1),
			Limit: applyBatchSize,
		})
		if err != nil {
			return n, err
		}
		if len(entries) == 0 {
			return n, nil
		}
		for _, e := range entries {
			if err := p.applyEntry(ctx, e); err != nil {
				return n, err
			}
			n++
		}
	}
}

// applyEntry applies one logged command. A command the orchestrator refuses
// is skipped: its changes are rolled back and only the applied position
// moves. Fatal errors stop the partition.
func (p *Partition) applyEntry(ctx context.Context, e commandlog.Entry) error {
	cmd := e.Command
	p.clock.Set(cmd.Timestamp)
	applyErr, err := p.inTxn(ctx, e.Seq, func(tx state.Txn) error { return p.apply(tx, cmd) })
	if err != nil || applyErr == nil {
		return err
	}
	if state.IsFatal(applyErr) {
		p.logger.Error("index inconsistency",
			log.Int64("seq", int64(e.Seq)), log.Str("command", string(cmd.Type)), log.Err(applyErr))
		return applyErr
	}
	p.logger.Warn("command rejected",
		log.Int64("seq", int64(e.Seq)), log.Str("command", string(cmd.Type)), log.Err(applyErr))
	if cmd.Type == protocol.CommandPublishMessage && cmd.Request != nil {
		p.respond(protocol.PublishResponse{Request: *cmd.Request}, applyErr)
	}
	_, err = p.inTxn(ctx, e.Seq, nil)
	return err
}

func (p *Partition) inTxn(ctx context.Context, seq uint64, fn func(tx state.Txn) error) (applyErr, err error) {
	tx := p.db.Begin()
	defer tx.Rollback()
	p.fx.reset()
	if fn != nil {
		if applyErr = fn(tx); applyErr != nil {
			p.fx.reset()
			return applyErr, nil
		}
	}
	if err := commandlog.SetApplied(tx, commandlog.Applier, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	// Effects go out before the position is published, so a caller waiting
	// for seq also sees what seq produced.
	p.fx.flush()
	p.applied.Store(seq)
	return nil, nil
}

func (p *Partition) apply(tx state.Txn, cmd protocol.Command) error {
	switch cmd.Type {
	case protocol.CommandExpireMessages:
		p.expiryQueued.Store(false)
		scan, err := p.orch.ExpireMessages(tx)
		if err != nil {
			return err
		}
		if scan.Interrupted {
			p.fx.later(func() { p.enqueue(protocol.CommandExpireMessages, &p.expiryQueued) })
		}
		p.fx.later(p.trim)
		return nil
	case protocol.CommandRetryPending:
		p.retryQueued.Store(false)
	}
	return p.orch.Apply(tx, cmd)
}

func (p *Partition) trim() {
	n, err := p.log.TrimApplied(context.Background(), p.opts.RetainApplied, 1024)
	if err != nil {
		p.logger.Warn("command log trim failed", log.Err(err))
		return
	}
	if n > 0 {
		p.logger.Debug("command log trimmed", log.Int("deleted", n))
	}
}

// enqueue submits a self-scheduled command unless one is already waiting in
// the log.
func (p *Partition) enqueue(t protocol.CommandType, queued *atomic.Bool) {
	if !queued.CompareAndSwap(false, true) {
		return
	}
	if _, err := p.Submit(context.Background(), protocol.Command{Type: t}); err != nil {
		queued.Store(false)
		if !errors.Is(err, ErrClosed) {
			p.logger.Warn("scheduling failed", log.Str("command", string(t)), log.Err(err))
		}
	}
}

func (p *Partition) fail(err error) {
	if !p.fatal.CompareAndSwap(nil, &err) {
		return
	}
	p.logger.Error("partition stopped", log.Err(err))
	if p.opts.OnFatal != nil {
		p.opts.OnFatal(p.opts.ID, err)
	}
}

// Err returns the error that stopped the partition, if any.
func (p *Partition) Err() error {
	if e := p.fatal.Load(); e != nil {
		return *e
	}
	return nil
}

// route hands a handshake command to the partition it is meant for.
// Failures are only logged: whatever awaits an answer is resent.
func (p *Partition) route(partitionID int32, cmd protocol.Command) {
	var err error
	if partitionID == p.opts.ID || p.opts.Router == nil {
		_, err = p.Submit(context.Background(), cmd)
	} else {
		err = p.opts.Router.Deliver(context.Background(), partitionID, cmd)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Warn("command not delivered",
			log.Int32("target_partition", partitionID), log.Str("command", string(cmd.Type)), log.Err(err))
	}
}

// Submit validates cmd and appends it to the log. A zero timestamp is set to
// the current time. It returns the log sequence of the command.
func (p *Partition) Submit(ctx context.Context, cmd protocol.Command) (uint64, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = p.opts.Now().UnixMilli()
	}
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	if err := p.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStopped, err)
	}
	seqs, err := p.log.Append(ctx, []protocol.Command{cmd})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// Publish submits a message and waits for its final outcome: correlated,
// buffered, expired, duplicate, start-event-triggered or
// rejected-exclusivity.
func (p *Partition) Publish(ctx context.Context, msg protocol.MessageRecord) (protocol.PublishResponse, error) {
	reqID := p.nextRequest.Add(1)
	ch := make(chan publishResult, 1)
	p.mu.Lock()
	p.waiters[reqID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, reqID)
		p.mu.Unlock()
	}()

	cmd := protocol.Command{
		Type:    protocol.CommandPublishMessage,
		Message: &msg,
		Request: &protocol.RequestData{RequestID: reqID, RequestStreamID: p.streamID},
	}
	if _, err := p.Submit(ctx, cmd); err != nil {
		return protocol.PublishResponse{}, err
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return protocol.PublishResponse{}, ctx.Err()
	case <-p.done:
		return protocol.PublishResponse{}, ErrClosed
	}
}

// respond hands a publish answer to its waiter. Answers for requests of an
// earlier process are dropped.
func (p *Partition) respond(resp protocol.PublishResponse, err error) {
	if resp.Request.RequestStreamID != p.streamID {
		return
	}
	p.mu.Lock()
	ch, ok := p.waiters[resp.Request.RequestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- publishResult{resp: resp, err: err}:
	default:
	}
}

// view runs fn against a snapshot of the committed state.
func (p *Partition) view(fn func(tx state.Txn) error) error {
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return ErrClosed
	}
	v := p.db.View()
	defer v.Close()
	return fn(v)
}

// IsCorrelationKeyActive reports whether an instance of bpmnProcessID started
// under correlationKey is running.
func (p *Partition) IsCorrelationKeyActive(tenantID, bpmnProcessID, correlationKey string) (active bool, err error) {
	err = p.view(func(tx state.Txn) error {
		active, err = p.orch.IsCorrelationKeyActive(tx, tenantID, bpmnProcessID, correlationKey)
		return err
	})
	return active, err
}

// ExistsSubscriptionForElement reports whether the element instance holds a
// subscription on this partition.
func (p *Partition) ExistsSubscriptionForElement(elementInstanceKey int64) (exists bool, err error) {
	err = p.view(func(tx state.Txn) error {
		exists, err = p.orch.ExistsSubscriptionForElement(tx, elementInstanceKey)
		return err
	})
	return exists, err
}

// Stats returns the partition's counters and sizes.
func (p *Partition) Stats() (Stats, error) {
	s := Stats{
		PartitionID:       p.opts.ID,
		LastSeq:           p.log.LastSeq(),
		AppliedSeq:        p.applied.Load(),
		PendingHandshakes: p.orch.PendingCount(),
		Healthy:           p.Err() == nil,
	}
	p.counters.fill(&s)
	p.metrics.fill(&s)
	err := p.view(func(tx state.Txn) error {
		var err error
		s.BufferedMessages, err = p.orch.BufferedMessageCount(tx)
		return err
	})
	return s, err
}

// Log returns the partition's command log.
func (p *Partition) Log() *commandlog.Log { return p.log }

// WaitApplied blocks until every command up to seq is applied.
func (p *Partition) WaitApplied(ctx context.Context, seq uint64) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for p.applied.Load() < seq {
		if err := p.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case <-t.C:
		}
	}
	return nil
}

// Close stops the loops and closes the store. Pending publishers get
// ErrClosed.
func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.lifecycle.RLock()
		cancel := p.cancel
		p.lifecycle.RUnlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()

		p.lifecycle.Lock()
		defer p.lifecycle.Unlock()
		p.closed = true
		p.closeErr = p.db.Close()
		p.logger.Info("partition closed")
	})
	return p.closeErr
}
