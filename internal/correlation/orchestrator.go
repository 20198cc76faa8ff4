package correlation

import (
	"errors"
	"fmt"

	"github.com/rzbill/correlator/internal/expr"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	"github.com/rzbill/correlator/pkg/id"
	"github.com/rzbill/correlator/pkg/log"
)

// Options configures an Orchestrator.
type Options struct {
	PartitionID    int32
	PartitionCount int32

	Clock     state.Clock
	Logger    log.Logger
	Sender    Sender
	Responder Responder
	Listener  Listener
	Expr      *expr.Evaluator

	// MessagePending and ProcessPending are read by the retry trigger.
	MessagePending *state.PendingTracker
	ProcessPending *state.PendingTracker

	// ExpiryBatchLimit caps the messages expired per pass. Zero means 1000.
	ExpiryBatchLimit int
	// PendingRetryInterval is how long (ms) a handshake waits before it is
	// resent. Zero means 10s.
	PendingRetryInterval int64
}

// Orchestrator applies correlation commands of one partition. Every method
// taking a state.Txn must be called from the partition's single writer; the
// changes become visible when the caller commits the transaction.
type Orchestrator struct {
	opts   Options
	logger log.Logger

	expiryCursor *state.DeadlineCursor
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if err := id.Validate(opts.PartitionID); err != nil {
		return nil, err
	}
	if opts.PartitionID < 1 {
		return nil, fmt.Errorf("correlation: partition ids start at 1, got %d", opts.PartitionID)
	}
	if opts.PartitionCount < opts.PartitionID {
		opts.PartitionCount = opts.PartitionID
	}
	if opts.Clock == nil {
		return nil, errors.New("correlation: clock is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("correlation: sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	if opts.Responder == nil {
		opts.Responder = discardResponses{}
	}
	if opts.Expr == nil {
		ev, err := expr.NewEvaluator()
		if err != nil {
			return nil, err
		}
		opts.Expr = ev
	}
	if opts.MessagePending == nil {
		opts.MessagePending = state.NewPendingTracker()
	}
	if opts.ProcessPending == nil {
		opts.ProcessPending = state.NewPendingTracker()
	}
	if opts.ExpiryBatchLimit <= 0 {
		opts.ExpiryBatchLimit = 1000
	}
	if opts.PendingRetryInterval <= 0 {
		opts.PendingRetryInterval = 10_000
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger.WithComponent("correlation").With(log.Int32("partition_id", opts.PartitionID)),
	}, nil
}

type discardResponses struct{}

func (discardResponses) Respond(protocol.PublishResponse) {}

func (o *Orchestrator) state(tx state.Txn) *state.State {
	return state.New(tx, state.Options{
		PartitionID:    o.opts.PartitionID,
		Clock:          o.opts.Clock,
		Logger:         o.opts.Logger,
		MessagePending: o.opts.MessagePending,
		ProcessPending: o.opts.ProcessPending,
	})
}

func (o *Orchestrator) now() int64 { return o.opts.Clock.Now() }

func (o *Orchestrator) processPartition(processInstanceKey int64) int32 {
	return protocol.ProcessPartitionID(processInstanceKey, o.opts.PartitionCount)
}

func (o *Orchestrator) send(partitionID int32, cmd protocol.Command) {
	cmd.Timestamp = o.now()
	o.opts.Sender.Send(partitionID, cmd)
}

// Apply dispatches a command to its handler.
func (o *Orchestrator) Apply(tx state.Txn, cmd protocol.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Type {
	case protocol.CommandPublishMessage:
		_, err := o.Publish(tx, *cmd.Message, cmd.Request)
		return err
	case protocol.CommandOpenProcessSubscription:
		return o.OpenProcessSubscription(tx, *cmd.ProcessSubscription)
	case protocol.CommandCloseProcessSubscription:
		return o.CloseProcessSubscription(tx, *cmd.ProcessSubscription)
	case protocol.CommandProcessSubscriptionOpened:
		return o.ProcessSubscriptionOpened(tx, *cmd.ProcessSubscription)
	case protocol.CommandProcessSubscriptionClosed:
		return o.ProcessSubscriptionClosed(tx, *cmd.ProcessSubscription)
	case protocol.CommandCorrelateProcessSubscription:
		return o.CorrelateProcessSubscription(tx, *cmd.ProcessSubscription)
	case protocol.CommandOpenMessageSubscription:
		return o.OpenMessageSubscription(tx, *cmd.MessageSubscription)
	case protocol.CommandCloseMessageSubscription:
		return o.CloseMessageSubscription(tx, *cmd.MessageSubscription)
	case protocol.CommandAcknowledgeCorrelation:
		return o.AcknowledgeCorrelation(tx, *cmd.MessageSubscription)
	case protocol.CommandRejectCorrelation:
		return o.RejectCorrelation(tx, *cmd.MessageSubscription)
	case protocol.CommandDeployStartEvent:
		return o.DeployStartEvent(tx, *cmd.StartEvent)
	case protocol.CommandUndeployProcessDefinition:
		_, err := o.UndeployProcessDefinition(tx, cmd.StartEvent.ProcessDefinitionKey)
		return err
	case protocol.CommandProcessInstanceEnded:
		return o.ProcessInstanceEnded(tx, *cmd.ProcessInstance)
	case protocol.CommandExpireMessages:
		scan, err := o.ExpireMessages(tx)
		if err == nil && scan.Interrupted {
			o.logger.Debug("expiry pass interrupted", log.Int("expired", scan.Expired))
		}
		return err
	case protocol.CommandRetryPending:
		_, err := o.RetryPending(tx)
		return err
	}
	return nil
}

// OnRecovered re-arms the retry clock of every handshake found in the
// durable state. It runs once after the partition replayed its log.
func (o *Orchestrator) OnRecovered(tx state.Txn) error {
	st := o.state(tx)
	msgs, err := st.MessageSubscriptions.OnRecovered()
	if err != nil {
		return fmt.Errorf("recover message subscriptions: %w", err)
	}
	procs, err := st.ProcessSubscriptions.OnRecovered()
	if err != nil {
		return fmt.Errorf("recover process subscriptions: %w", err)
	}
	o.expiryCursor = nil
	o.logger.Info("correlation state recovered",
		log.Int("correlating_subscriptions", msgs),
		log.Int("pending_process_subscriptions", procs))
	return nil
}

// IsCorrelationKeyActive reports whether an instance of bpmnProcessID started
// under correlationKey is still running.
func (o *Orchestrator) IsCorrelationKeyActive(tx state.Txn, tenantID, bpmnProcessID, correlationKey string) (bool, error) {
	return o.state(tx).Exclusivity.IsActive(tenantOrDefault(tenantID), bpmnProcessID, correlationKey)
}

// ExistsSubscriptionForElement reports whether the element instance holds a
// process-side subscription.
func (o *Orchestrator) ExistsSubscriptionForElement(tx state.Txn, elementInstanceKey int64) (bool, error) {
	return o.state(tx).ProcessSubscriptions.ExistsForElement(elementInstanceKey)
}

// BufferedMessageCount returns the number of stored messages.
func (o *Orchestrator) BufferedMessageCount(tx state.Txn) (int64, error) {
	return o.state(tx).Messages.BufferedCount()
}

// PendingCount returns the handshakes currently tracked for retry.
func (o *Orchestrator) PendingCount() int {
	return o.opts.MessagePending.Len() + o.opts.ProcessPending.Len()
}

// RetryDue reports whether a retry pass would resend anything. It only reads
// the pending trackers and may be called from any goroutine.
func (o *Orchestrator) RetryDue(now int64) bool {
	deadline := now - o.opts.PendingRetryInterval
	return len(o.opts.MessagePending.EntriesBefore(deadline)) > 0 ||
		len(o.opts.ProcessPending.EntriesBefore(deadline)) > 0
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return protocol.DefaultTenantID
	}
	return tenantID
}

// answer sends the final response for a recorded request and forgets it.
func (o *Orchestrator) answer(st *state.State, resp protocol.PublishResponse) error {
	req, ok, err := st.Requests.Get(resp.MessageKey)
	if err != nil || !ok {
		return err
	}
	resp.Request = req
	o.opts.Responder.Respond(resp)
	return st.Requests.Remove(resp.MessageKey)
}
