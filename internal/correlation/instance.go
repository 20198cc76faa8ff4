package correlation

import (
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/internal/state"
	"github.com/rzbill/correlator/pkg/log"
)

// DeployStartEvent registers a message start event of a deployed process
// definition.
func (o *Orchestrator) DeployStartEvent(tx state.Txn, start protocol.MessageStartEventSubscriptionRecord) error {
	start.TenantID = tenantOrDefault(start.TenantID)
	return o.state(tx).StartEvents.Put(start)
}

// UndeployProcessDefinition removes every start event of the definition.
func (o *Orchestrator) UndeployProcessDefinition(tx state.Txn, processDefinitionKey int64) (int, error) {
	n, err := o.state(tx).StartEvents.RemoveByProcessDefinition(processDefinitionKey)
	if err == nil && n > 0 {
		o.logger.Info("start events removed",
			log.Int64("process_definition_key", processDefinitionKey), log.Int("count", n))
	}
	return n, err
}

// ProcessInstanceEnded releases the correlation key the instance was started
// under and starts the next instance from the oldest buffered message for
// that key, if any.
func (o *Orchestrator) ProcessInstanceEnded(tx state.Txn, rec protocol.ProcessInstanceRecord) error {
	st := o.state(tx)
	inst, ok, err := st.Exclusivity.LookupAndForget(rec.ProcessInstanceKey)
	if err != nil || !ok {
		return err
	}
	if err := st.Exclusivity.ClearActive(inst.TenantID, inst.BpmnProcessID, inst.CorrelationKey); err != nil {
		return err
	}

	starts, err := latestStartEvents(st, inst.TenantID, inst.MessageName)
	if err != nil {
		return err
	}
	var start *protocol.MessageStartEventSubscriptionRecord
	for i := range starts {
		if starts[i].BpmnProcessID == inst.BpmnProcessID {
			start = &starts[i]
		}
	}
	if start == nil {
		return nil
	}

	now := o.now()
	for msg, err := range st.Messages.Messages(inst.TenantID, inst.MessageName, inst.CorrelationKey) {
		if err != nil {
			return err
		}
		if msg.Deadline < now {
			continue
		}
		done, err := st.Exclusivity.IsMessageCorrelated(msg.Key, inst.BpmnProcessID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		_, _, err = o.startInstance(st, *start, msg)
		return err
	}
	return nil
}
