package correlation

import (
	"errors"

	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	"github.com/rzbill/correlator/pkg/log"
)

// OpenProcessSubscription is called on the process partition when an element
// instance starts waiting for a message. Name and correlation key
// expressions are evaluated against the element variables; a failure is
// reported to the listener and the subscription is not opened.
func (o *Orchestrator) OpenProcessSubscription(tx state.Txn, sub protocol.ProcessMessageSubscriptionRecord) error {
	st := o.state(tx)
	sub.TenantID = tenantOrDefault(sub.TenantID)
	if err := o.evaluate(&sub); err != nil {
		o.logger.Warn("process subscription rejected",
			log.Int64("element_instance_key", sub.ElementInstanceKey), log.Err(err))
		o.opts.Listener.SubscriptionRejected(sub, err)
		return nil
	}

	existing, err := st.ProcessSubscriptions.Get(sub.ElementInstanceKey, sub.TenantID, sub.MessageName)
	switch {
	case err == nil:
		if existing.State != protocol.StateOpening {
			return nil
		}
		existing, err = st.ProcessSubscriptions.UpdateToOpening(existing)
		if err != nil {
			return err
		}
		o.sendOpen(existing)
		return nil
	case !errors.Is(err, state.ErrNotFound):
		return err
	}

	sub.SubscriptionPartitionID = protocol.SubscriptionPartitionID(sub.CorrelationKey, o.opts.PartitionCount)
	sub.State = protocol.StateOpening
	sub.MessageKey = 0
	if err := st.ProcessSubscriptions.Put(sub); err != nil {
		return err
	}
	o.sendOpen(sub)
	return nil
}

func (o *Orchestrator) evaluate(sub *protocol.ProcessMessageSubscriptionRecord) error {
	if sub.MessageNameExpression != "" {
		name, err := o.opts.Expr.MessageName(sub.MessageNameExpression, sub.Variables)
		if err != nil {
			return err
		}
		sub.MessageName = name
	}
	if sub.CorrelationKeyExpression != "" {
		ck, err := o.opts.Expr.CorrelationKey(sub.CorrelationKeyExpression, sub.Variables)
		if err != nil {
			return err
		}
		sub.CorrelationKey = ck
	}
	if sub.MessageName == "" {
		return errors.New("correlation: subscription has no message name")
	}
	return nil
}

func toMessageSubscription(sub protocol.ProcessMessageSubscriptionRecord) *protocol.MessageSubscriptionRecord {
	return &protocol.MessageSubscriptionRecord{
		ProcessInstanceKey: sub.ProcessInstanceKey,
		ElementInstanceKey: sub.ElementInstanceKey,
		BpmnProcessID:      sub.BpmnProcessID,
		MessageName:        sub.MessageName,
		CorrelationKey:     sub.CorrelationKey,
		TenantID:           sub.TenantID,
		Interrupting:       sub.Interrupting,
		MessageKey:         sub.MessageKey,
	}
}

func (o *Orchestrator) sendOpen(sub protocol.ProcessMessageSubscriptionRecord) {
	o.send(sub.SubscriptionPartitionID, protocol.Command{
		Type:                protocol.CommandOpenMessageSubscription,
		MessageSubscription: toMessageSubscription(sub),
	})
}

func (o *Orchestrator) sendClose(sub protocol.ProcessMessageSubscriptionRecord) {
	o.send(sub.SubscriptionPartitionID, protocol.Command{
		Type:                protocol.CommandCloseMessageSubscription,
		MessageSubscription: toMessageSubscription(sub),
	})
}

// ProcessSubscriptionOpened is the message partition's acknowledgment of an
// open. Late acknowledgments for closed or closing subscriptions are ignored.
func (o *Orchestrator) ProcessSubscriptionOpened(tx state.Txn, sub protocol.ProcessMessageSubscriptionRecord) error {
	_, err := o.state(tx).ProcessSubscriptions.UpdateToOpened(sub)
	if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrIllegalTransition) {
		o.logger.Debug("ignoring open acknowledgment",
			log.Int64("element_instance_key", sub.ElementInstanceKey), log.Err(err))
		return nil
	}
	return err
}

// CloseProcessSubscription is called on the process partition when the
// element instance stops waiting. An empty message name closes every
// subscription of the element instance.
func (o *Orchestrator) CloseProcessSubscription(tx state.Txn, sub protocol.ProcessMessageSubscriptionRecord) error {
	st := o.state(tx)
	sub.TenantID = tenantOrDefault(sub.TenantID)
	var subs []protocol.ProcessMessageSubscriptionRecord
	if sub.MessageName == "" {
		for s, err := range st.ProcessSubscriptions.ForElement(sub.ElementInstanceKey) {
			if err != nil {
				return err
			}
			subs = append(subs, s)
		}
	} else {
		s, err := st.ProcessSubscriptions.Get(sub.ElementInstanceKey, sub.TenantID, sub.MessageName)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		subs = append(subs, s)
	}
	for _, s := range subs {
		if err := o.closeOne(st, s); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) closeOne(st *state.State, sub protocol.ProcessMessageSubscriptionRecord) error {
	switch sub.State {
	case protocol.StateOpening:
		// Not acknowledged yet, so it cannot move to CLOSING. Drop it and tell
		// the message partition once; an orphan left there is removed by the
		// reject path when it matches.
		if err := st.ProcessSubscriptions.Remove(sub.ElementInstanceKey, sub.TenantID, sub.MessageName); err != nil {
			return err
		}
		o.sendClose(sub)
		return nil
	case protocol.StateOpened, protocol.StateClosing:
		sub, err := st.ProcessSubscriptions.UpdateToClosing(sub)
		if err != nil {
			return err
		}
		o.sendClose(sub)
	}
	return nil
}

// ProcessSubscriptionClosed is the message partition's acknowledgment of a
// close.
func (o *Orchestrator) ProcessSubscriptionClosed(tx state.Txn, sub protocol.ProcessMessageSubscriptionRecord) error {
	st := o.state(tx)
	stored, err := st.ProcessSubscriptions.Get(sub.ElementInstanceKey, tenantOrDefault(sub.TenantID), sub.MessageName)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if stored.State != protocol.StateClosing {
		return nil
	}
	return st.ProcessSubscriptions.Remove(stored.ElementInstanceKey, stored.TenantID, stored.MessageName)
}

// CorrelateProcessSubscription delivers a matched message to the process
// partition. The element instance consumes it if the subscription is still
// open; otherwise the message partition is told to take it back.
func (o *Orchestrator) CorrelateProcessSubscription(tx state.Txn, cmd protocol.ProcessMessageSubscriptionRecord) error {
	st := o.state(tx)
	cmd.TenantID = tenantOrDefault(cmd.TenantID)
	ack := toMessageSubscription(cmd)

	sub, err := st.ProcessSubscriptions.Get(cmd.ElementInstanceKey, cmd.TenantID, cmd.MessageName)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if err != nil || sub.State == protocol.StateClosing {
		o.logger.Debug("rejecting correlation",
			log.Int64("element_instance_key", cmd.ElementInstanceKey),
			log.Int64("message_key", cmd.MessageKey))
		o.send(cmd.SubscriptionPartitionID, protocol.Command{Type: protocol.CommandRejectCorrelation, MessageSubscription: ack})
		return nil
	}
	if sub.MessageKey == cmd.MessageKey {
		// Resent before our acknowledgment arrived.
		o.send(cmd.SubscriptionPartitionID, protocol.Command{Type: protocol.CommandAcknowledgeCorrelation, MessageSubscription: ack})
		return nil
	}
	if sub.State == protocol.StateOpening {
		if sub, err = st.ProcessSubscriptions.UpdateToOpened(sub); err != nil {
			return err
		}
	}

	o.opts.Listener.MessageCorrelated(sub, cmd.MessageKey, cmd.Variables)
	if sub.Interrupting {
		err = st.ProcessSubscriptions.Remove(sub.ElementInstanceKey, sub.TenantID, sub.MessageName)
	} else {
		sub.MessageKey = cmd.MessageKey
		err = st.ProcessSubscriptions.Put(sub)
	}
	if err != nil {
		return err
	}
	o.send(cmd.SubscriptionPartitionID, protocol.Command{Type: protocol.CommandAcknowledgeCorrelation, MessageSubscription: ack})
	return nil
}

// OpenMessageSubscription is applied on the message partition. It stores
// the subscription, acknowledges it, and matches the oldest buffered
// message. Reopening an existing subscription only resends the
// acknowledgment.
func (o *Orchestrator) OpenMessageSubscription(tx state.Txn, sub protocol.MessageSubscriptionRecord) error {
	st := o.state(tx)
	sub.TenantID = tenantOrDefault(sub.TenantID)
	exists, err := st.MessageSubscriptions.Exists(sub.ElementInstanceKey, sub.MessageName)
	if err != nil {
		return err
	}
	if !exists {
		sub.Correlating = false
		sub.MessageKey = 0
		sub.Variables = nil
		if err := st.MessageSubscriptions.Put(sub); err != nil {
			return err
		}
	}
	o.send(o.processPartition(sub.ProcessInstanceKey), protocol.Command{
		Type:                protocol.CommandProcessSubscriptionOpened,
		ProcessSubscription: toProcessSubscription(sub, o.opts.PartitionID),
	})
	if exists {
		return nil
	}
	_, err = o.correlateSubscription(st, sub)
	return err
}

func toProcessSubscription(sub protocol.MessageSubscriptionRecord, partitionID int32) *protocol.ProcessMessageSubscriptionRecord {
	return &protocol.ProcessMessageSubscriptionRecord{
		ProcessInstanceKey:      sub.ProcessInstanceKey,
		ElementInstanceKey:      sub.ElementInstanceKey,
		BpmnProcessID:           sub.BpmnProcessID,
		MessageName:             sub.MessageName,
		CorrelationKey:          sub.CorrelationKey,
		TenantID:                sub.TenantID,
		Interrupting:            sub.Interrupting,
		SubscriptionPartitionID: partitionID,
	}
}

// CloseMessageSubscription is applied on the message partition. A message
// staged on the subscription is released and offered to the next waiting
// subscription.
func (o *Orchestrator) CloseMessageSubscription(tx state.Txn, cmd protocol.MessageSubscriptionRecord) error {
	st := o.state(tx)
	cmd.TenantID = tenantOrDefault(cmd.TenantID)
	sub, err := st.MessageSubscriptions.Get(cmd.ElementInstanceKey, cmd.MessageName)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := st.MessageSubscriptions.Remove(sub.ElementInstanceKey, sub.MessageName); err != nil {
			return err
		}
		if sub.Correlating {
			if err := o.release(st, sub); err != nil {
				return err
			}
		}
	}
	o.send(o.processPartition(cmd.ProcessInstanceKey), protocol.Command{
		Type:                protocol.CommandProcessSubscriptionClosed,
		ProcessSubscription: toProcessSubscription(cmd, o.opts.PartitionID),
	})
	return nil
}

// release takes the message staged on a removed subscription back and
// rematches it.
func (o *Orchestrator) release(st *state.State, sub protocol.MessageSubscriptionRecord) error {
	if err := st.Exclusivity.RemoveMessageCorrelated(sub.MessageKey, sub.BpmnProcessID); err != nil {
		return err
	}
	msg, err := st.Messages.Get(sub.MessageKey)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Deadline < o.now() {
		return nil
	}
	_, matched, err := o.correlateMessage(st, msg)
	if err != nil || matched {
		return err
	}
	return o.answer(st, protocol.PublishResponse{MessageKey: msg.Key, Outcome: protocol.OutcomeBuffered})
}

// AcknowledgeCorrelation completes a correlation on the message partition:
// the message is consumed, its publisher answered, and the subscription
// removed, or reset and rematched when it is non-interrupting. Stale
// acknowledgments are ignored.
func (o *Orchestrator) AcknowledgeCorrelation(tx state.Txn, cmd protocol.MessageSubscriptionRecord) error {
	st := o.state(tx)
	sub, err := st.MessageSubscriptions.Get(cmd.ElementInstanceKey, cmd.MessageName)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.Correlating || sub.MessageKey != cmd.MessageKey {
		return nil
	}
	st.MessageSubscriptions.UpdateToCorrelated(sub)
	if err := o.answer(st, protocol.PublishResponse{
		MessageKey:         sub.MessageKey,
		Outcome:            protocol.OutcomeCorrelated,
		ElementInstanceKey: sub.ElementInstanceKey,
		ProcessInstanceKey: sub.ProcessInstanceKey,
	}); err != nil {
		return err
	}
	if err := st.Messages.Remove(sub.MessageKey); err != nil {
		return err
	}
	if err := st.MessageSubscriptions.Remove(sub.ElementInstanceKey, sub.MessageName); err != nil {
		return err
	}
	if sub.Interrupting {
		return nil
	}
	sub.Correlating = false
	sub.MessageKey = 0
	sub.Variables = nil
	if err := st.MessageSubscriptions.Put(sub); err != nil {
		return err
	}
	_, err = o.correlateSubscription(st, sub)
	return err
}

// RejectCorrelation is the process partition refusing a message because the
// subscription is gone there. The orphaned subscription is removed and the
// message offered to the next one.
func (o *Orchestrator) RejectCorrelation(tx state.Txn, cmd protocol.MessageSubscriptionRecord) error {
	st := o.state(tx)
	sub, err := st.MessageSubscriptions.Get(cmd.ElementInstanceKey, cmd.MessageName)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.Correlating || sub.MessageKey != cmd.MessageKey {
		return nil
	}
	if err := st.MessageSubscriptions.Remove(sub.ElementInstanceKey, sub.MessageName); err != nil {
		return err
	}
	return o.release(st, sub)
}
