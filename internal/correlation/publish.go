package correlation

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	"github.com/rzbill/correlator/pkg/log"
)

// Publish stores a message and correlates it to the first waiting
// subscription, or else to the message start events of deployed processes.
// A message nobody takes stays buffered until its deadline.
//
// The publisher's request is answered right away unless the message was
// matched to a subscription; then the answer follows the acknowledgment.
func (o *Orchestrator) Publish(tx state.Txn, msg protocol.MessageRecord, req *protocol.RequestData) (protocol.PublishResponse, error) {
	st := o.state(tx)
	msg.TenantID = tenantOrDefault(msg.TenantID)

	orig, dup, err := st.Messages.DuplicateOf(msg.Name, msg.CorrelationKey, msg.MessageID, msg.TenantID)
	if err != nil {
		return protocol.PublishResponse{}, err
	}
	if dup {
		o.logger.Debug("duplicate message ignored",
			log.Str("message_name", msg.Name), log.Str("message_id", msg.MessageID))
		o.opts.Listener.DuplicateIgnored(msg, orig)
		resp := protocol.PublishResponse{MessageKey: orig, Outcome: protocol.OutcomeDuplicate}
		if req != nil {
			resp.Request = *req
			o.opts.Responder.Respond(resp)
		}
		return resp, nil
	}

	key, err := st.Keys.Next()
	if err != nil {
		return protocol.PublishResponse{}, err
	}
	msg.Key = key
	msg.Deadline = msg.DeadlineFrom(o.now())
	if err := st.Messages.Put(msg); err != nil {
		return protocol.PublishResponse{}, err
	}
	if req != nil {
		if err := st.Requests.Record(key, *req); err != nil {
			return protocol.PublishResponse{}, err
		}
	}

	resp := protocol.PublishResponse{MessageKey: key}
	sub, matched, err := o.correlateMessage(st, msg)
	if err != nil {
		return resp, err
	}
	if matched {
		resp.Outcome = protocol.OutcomeMatched
		resp.ElementInstanceKey = sub.ElementInstanceKey
		return resp, nil
	}

	resp, err = o.triggerStartEvents(st, msg)
	if err != nil {
		return resp, err
	}
	if msg.TimeToLive == 0 {
		// Nothing may wait for it later.
		if err := st.Messages.Remove(key); err != nil {
			return resp, err
		}
		if resp.Outcome == protocol.OutcomeBuffered {
			resp.Outcome = protocol.OutcomeExpired
		}
	}
	return resp, o.answer(st, resp)
}

// correlateMessage stages msg on the oldest subscription that is not already
// correlating.
func (o *Orchestrator) correlateMessage(st *state.State, msg protocol.MessageRecord) (protocol.MessageSubscriptionRecord, bool, error) {
	var (
		candidate protocol.MessageSubscriptionRecord
		found     bool
	)
	for sub, err := range st.MessageSubscriptions.Subscriptions(msg.TenantID, msg.Name, msg.CorrelationKey) {
		if err != nil {
			return candidate, false, err
		}
		if sub.Correlating {
			continue
		}
		done, err := st.Exclusivity.IsMessageCorrelated(msg.Key, sub.BpmnProcessID)
		if err != nil {
			return candidate, false, err
		}
		if done {
			continue
		}
		candidate, found = sub, true
		break
	}
	if !found {
		return candidate, false, nil
	}
	return o.stage(st, candidate, msg)
}

// staged reports whether msg is held by a correlating subscription.
func staged(st *state.State, msg protocol.MessageRecord) (bool, error) {
	for sub, err := range st.MessageSubscriptions.Subscriptions(msg.TenantID, msg.Name, msg.CorrelationKey) {
		if err != nil {
			return false, err
		}
		if sub.Correlating && sub.MessageKey == msg.Key {
			return true, nil
		}
	}
	return false, nil
}

// correlateSubscription stages on sub the oldest unexpired buffered message
// that sub's process has not consumed and no other subscription holds.
func (o *Orchestrator) correlateSubscription(st *state.State, sub protocol.MessageSubscriptionRecord) (bool, error) {
	now := o.now()
	var (
		candidate protocol.MessageRecord
		found     bool
	)
	for msg, err := range st.Messages.Messages(sub.TenantID, sub.MessageName, sub.CorrelationKey) {
		if err != nil {
			return false, err
		}
		if msg.Deadline < now {
			continue
		}
		done, err := st.Exclusivity.IsMessageCorrelated(msg.Key, sub.BpmnProcessID)
		if err != nil {
			return false, err
		}
		if done {
			continue
		}
		// Start events leave the message buffered for other processes; a
		// catch event holding it consumes it.
		held, err := staged(st, msg)
		if err != nil {
			return false, err
		}
		if held {
			continue
		}
		candidate, found = msg, true
		break
	}
	if !found {
		return false, nil
	}
	_, ok, err := o.stage(st, sub, candidate)
	return ok, err
}

func (o *Orchestrator) stage(st *state.State, sub protocol.MessageSubscriptionRecord, msg protocol.MessageRecord) (protocol.MessageSubscriptionRecord, bool, error) {
	sub, err := st.MessageSubscriptions.UpdateToCorrelating(sub, msg)
	if err != nil {
		return sub, false, err
	}
	if err := st.Exclusivity.PutMessageCorrelated(msg.Key, sub.BpmnProcessID); err != nil {
		return sub, false, err
	}
	o.logger.Debug("message matched",
		log.Int64("message_key", msg.Key),
		log.Int64("element_instance_key", sub.ElementInstanceKey),
		log.Str("message_name", msg.Name))
	o.sendCorrelate(sub)
	return sub, true, nil
}

func (o *Orchestrator) sendCorrelate(sub protocol.MessageSubscriptionRecord) {
	o.send(o.processPartition(sub.ProcessInstanceKey), protocol.Command{
		Type: protocol.CommandCorrelateProcessSubscription,
		ProcessSubscription: &protocol.ProcessMessageSubscriptionRecord{
			ProcessInstanceKey:      sub.ProcessInstanceKey,
			ElementInstanceKey:      sub.ElementInstanceKey,
			BpmnProcessID:           sub.BpmnProcessID,
			MessageName:             sub.MessageName,
			CorrelationKey:          sub.CorrelationKey,
			TenantID:                sub.TenantID,
			SubscriptionPartitionID: o.opts.PartitionID,
			MessageKey:              sub.MessageKey,
			Variables:               sub.Variables,
		},
	})
}

// triggerStartEvents starts one instance per process id whose latest
// definition has a start event for the message.
func (o *Orchestrator) triggerStartEvents(st *state.State, msg protocol.MessageRecord) (protocol.PublishResponse, error) {
	resp := protocol.PublishResponse{MessageKey: msg.Key, Outcome: protocol.OutcomeBuffered}
	starts, err := latestStartEvents(st, msg.TenantID, msg.Name)
	if err != nil {
		return resp, err
	}
	rejected := false
	for _, start := range starts {
		instanceKey, started, err := o.startInstance(st, start, msg)
		if err != nil {
			return resp, err
		}
		if started {
			if resp.Outcome != protocol.OutcomeStartTriggered {
				resp.Outcome = protocol.OutcomeStartTriggered
				resp.ProcessInstanceKey = instanceKey
			}
			continue
		}
		rejected = rejected || instanceKey < 0
	}
	if resp.Outcome == protocol.OutcomeBuffered && rejected {
		resp.Outcome = protocol.OutcomeRejectedExclusivity
		resp.Reason = fmt.Sprintf("an instance is already active for correlation key %q", msg.CorrelationKey)
	}
	return resp, nil
}

// latestStartEvents returns, per bpmnProcessId, the start event of the
// highest deployed definition key, ordered by bpmnProcessId.
func latestStartEvents(st *state.State, tenantID, messageName string) ([]protocol.MessageStartEventSubscriptionRecord, error) {
	latest := map[string]protocol.MessageStartEventSubscriptionRecord{}
	for start, err := range st.StartEvents.ByMessageName(tenantID, messageName) {
		if err != nil {
			return nil, err
		}
		if cur, ok := latest[start.BpmnProcessID]; !ok || start.ProcessDefinitionKey > cur.ProcessDefinitionKey {
			latest[start.BpmnProcessID] = start
		}
	}
	out := make([]protocol.MessageStartEventSubscriptionRecord, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b protocol.MessageStartEventSubscriptionRecord) int {
		return cmp.Compare(a.BpmnProcessID, b.BpmnProcessID)
	})
	return out, nil
}

// startInstance creates a process instance from start for msg. It returns
// started=false with key -1 when an active instance holds the correlation
// key, and key 0 when msg already started an instance of the process.
func (o *Orchestrator) startInstance(st *state.State, start protocol.MessageStartEventSubscriptionRecord, msg protocol.MessageRecord) (int64, bool, error) {
	done, err := st.Exclusivity.IsMessageCorrelated(msg.Key, start.BpmnProcessID)
	if err != nil || done {
		return 0, false, err
	}
	if msg.CorrelationKey != "" {
		active, err := st.Exclusivity.IsActive(msg.TenantID, start.BpmnProcessID, msg.CorrelationKey)
		if err != nil {
			return 0, false, err
		}
		if active {
			o.logger.Debug("start event rejected, correlation key is active",
				log.Str("bpmn_process_id", start.BpmnProcessID),
				log.Str("correlation_key", msg.CorrelationKey))
			o.opts.Listener.StartEventRejected(start, msg)
			return -1, false, nil
		}
	}

	instanceKey, err := st.Keys.Next()
	if err != nil {
		return 0, false, err
	}
	if msg.CorrelationKey != "" {
		if err := st.Exclusivity.MarkActive(msg.TenantID, start.BpmnProcessID, msg.CorrelationKey); err != nil {
			return 0, false, err
		}
		inst := state.ActiveInstance{
			TenantID:       msg.TenantID,
			BpmnProcessID:  start.BpmnProcessID,
			CorrelationKey: msg.CorrelationKey,
			MessageName:    msg.Name,
		}
		if err := st.Exclusivity.RecordInstanceCorrelationKey(instanceKey, inst); err != nil {
			return 0, false, err
		}
	}
	if err := st.Exclusivity.PutMessageCorrelated(msg.Key, start.BpmnProcessID); err != nil {
		return 0, false, err
	}
	o.logger.Debug("start event triggered",
		log.Str("bpmn_process_id", start.BpmnProcessID),
		log.Int64("process_instance_key", instanceKey),
		log.Int64("message_key", msg.Key))
	o.opts.Listener.StartEventTriggered(start, instanceKey, msg)
	return instanceKey, true, nil
}
