package correlation

import (
	"errors"
	"fmt"

	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	"github.com/rzbill/correlator/pkg/log"
)

// ExpiryScan summarizes one expiry pass.
type ExpiryScan struct {
	Expired int
	// Interrupted is set when the batch limit cut the pass short; Next is
	// where the following pass resumes.
	Interrupted bool
	Next        *state.DeadlineCursor
}

// Tick runs an expiry pass followed by a retry pass.
func (o *Orchestrator) Tick(tx state.Txn) (ExpiryScan, int, error) {
	scan, err := o.ExpireMessages(tx)
	if err != nil {
		return scan, 0, err
	}
	resent, err := o.RetryPending(tx)
	return scan, resent, err
}

// ExpireMessages deletes up to ExpiryBatchLimit messages whose deadline has
// passed, answering their publishers and releasing their join rows. A
// subscription that already staged an expiring message keeps its copy and
// completes the handshake.
func (o *Orchestrator) ExpireMessages(tx state.Txn) (ExpiryScan, error) {
	st := o.state(tx)
	now := o.now()
	var (
		scan  ExpiryScan
		batch []state.DeadlineEntry
	)
	for e, err := range st.Messages.Expired(now, o.expiryCursor) {
		if err != nil {
			return scan, err
		}
		if len(batch) == o.opts.ExpiryBatchLimit {
			next := state.DeadlineCursor(e)
			scan.Interrupted, scan.Next = true, &next
			break
		}
		batch = append(batch, e)
	}

	for _, e := range batch {
		msg, err := st.Messages.Get(e.Key)
		if errors.Is(err, state.ErrNotFound) {
			return scan, &state.InconsistencyError{Index: "message deadline", Primary: fmt.Sprintf("message %d", e.Key)}
		}
		if err != nil {
			return scan, err
		}
		if err := st.Messages.Remove(e.Key); err != nil {
			return scan, err
		}
		if err := o.answer(st, protocol.PublishResponse{MessageKey: e.Key, Outcome: protocol.OutcomeExpired}); err != nil {
			return scan, err
		}
		o.opts.Listener.MessageExpired(msg)
		scan.Expired++
	}
	o.expiryCursor = scan.Next
	if scan.Expired > 0 {
		o.logger.Debug("messages expired", log.Int("count", scan.Expired), log.Bool("interrupted", scan.Interrupted))
	}
	return scan, nil
}

// RetryPending resends every handshake whose last attempt is older than the
// retry interval and restarts its retry clock. It returns how many commands
// were sent.
func (o *Orchestrator) RetryPending(tx state.Txn) (int, error) {
	st := o.state(tx)
	deadline := o.now() - o.opts.PendingRetryInterval

	var correlating []protocol.MessageSubscriptionRecord
	for sub, err := range st.MessageSubscriptions.Pending(deadline) {
		if err != nil {
			return 0, err
		}
		correlating = append(correlating, sub)
	}
	for _, sub := range correlating {
		o.sendCorrelate(sub)
		st.MessageSubscriptions.OnSent(sub)
	}

	var waiting []protocol.ProcessMessageSubscriptionRecord
	for sub, err := range st.ProcessSubscriptions.Pending(deadline) {
		if err != nil {
			return 0, err
		}
		waiting = append(waiting, sub)
	}
	for _, sub := range waiting {
		if sub.State == protocol.StateOpening {
			o.sendOpen(sub)
		} else {
			o.sendClose(sub)
		}
		st.ProcessSubscriptions.OnSent(sub)
	}

	n := len(correlating) + len(waiting)
	if n > 0 {
		o.logger.Debug("pending handshakes resent", log.Int("count", n))
	}
	return n, nil
}
