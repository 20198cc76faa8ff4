package state

import (
	"errors"
	"fmt"

	"github.com/rzbill/correlator/internal/keys"
)

// ActiveInstance is what an instance started under a correlation key needs
// to release it again.
type ActiveInstance struct {
	TenantID       string `json:"tenantId"`
	BpmnProcessID  string `json:"bpmnProcessId"`
	CorrelationKey string `json:"correlationKey"`
	MessageName    string `json:"messageName"`
}

// ExclusivityRegistry enforces at most one active instance per
// (bpmnProcessId, correlationKey) and tracks which processes consumed a
// message.
//
//	excl/ck/{tenant}/{bpmnProcessId}/{correlationKey} marker
//	excl/pi/{processInstanceKey}                      -> ActiveInstance
//	msg/pd/{messageKey}/{bpmnProcessId}               message consumed by process
type ExclusivityRegistry struct {
	tx Txn
}

func activeKey(tenantID, bpmnProcessID, correlationKey string) []byte {
	return keys.New(keys.ActiveByCorrelationKey).Str(tenantID).Str(bpmnProcessID).Str(correlationKey).Bytes()
}

func instanceKey(processInstanceKey int64) []byte {
	return keys.New(keys.InstanceCorrelationKey).Int(processInstanceKey).Bytes()
}

func messageCorrelatedPrefix(messageKey int64) keys.Key {
	return keys.New(keys.MessageProcessCorrelated).Int(messageKey)
}

// MarkActive records an active instance for the correlation key. It fails
// with ErrCorrelationKeyActive while a marker exists.
func (r *ExclusivityRegistry) MarkActive(tenantID, bpmnProcessID, correlationKey string) error {
	k := activeKey(tenantID, bpmnProcessID, correlationKey)
	ok, err := r.tx.Has(k)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s/%s", ErrCorrelationKeyActive, bpmnProcessID, correlationKey)
	}
	return r.tx.Set(k, nil)
}

// ClearActive removes the marker. Clearing a missing marker is a no-op.
func (r *ExclusivityRegistry) ClearActive(tenantID, bpmnProcessID, correlationKey string) error {
	return r.tx.Delete(activeKey(tenantID, bpmnProcessID, correlationKey))
}

// IsActive reports whether an instance is active for the correlation key.
func (r *ExclusivityRegistry) IsActive(tenantID, bpmnProcessID, correlationKey string) (bool, error) {
	return r.tx.Has(activeKey(tenantID, bpmnProcessID, correlationKey))
}

// RecordInstanceCorrelationKey remembers the correlation key an instance was
// started under.
func (r *ExclusivityRegistry) RecordInstanceCorrelationKey(processInstanceKey int64, inst ActiveInstance) error {
	return setJSON(r.tx, instanceKey(processInstanceKey), inst)
}

// LookupAndForget returns and deletes the correlation key recorded for the
// instance. ok is false when nothing was recorded.
func (r *ExclusivityRegistry) LookupAndForget(processInstanceKey int64) (inst ActiveInstance, ok bool, err error) {
	err = getJSON(r.tx, instanceKey(processInstanceKey), &inst)
	if errors.Is(err, ErrNotFound) {
		return ActiveInstance{}, false, nil
	}
	if err != nil {
		return ActiveInstance{}, false, err
	}
	if err := r.tx.Delete(instanceKey(processInstanceKey)); err != nil {
		return ActiveInstance{}, false, err
	}
	return inst, true, nil
}

// PutMessageCorrelated records that the message was consumed by an instance
// of bpmnProcessID.
func (r *ExclusivityRegistry) PutMessageCorrelated(messageKey int64, bpmnProcessID string) error {
	return r.tx.Set(messageCorrelatedPrefix(messageKey).Str(bpmnProcessID).Bytes(), nil)
}

// RemoveMessageCorrelated forgets a single process correlation of the message.
func (r *ExclusivityRegistry) RemoveMessageCorrelated(messageKey int64, bpmnProcessID string) error {
	return r.tx.Delete(messageCorrelatedPrefix(messageKey).Str(bpmnProcessID).Bytes())
}

// IsMessageCorrelated reports whether the message was consumed by bpmnProcessID.
func (r *ExclusivityRegistry) IsMessageCorrelated(messageKey int64, bpmnProcessID string) (bool, error) {
	return r.tx.Has(messageCorrelatedPrefix(messageKey).Str(bpmnProcessID).Bytes())
}

// RemoveMessageCorrelations deletes every process correlation of the message.
func (r *ExclusivityRegistry) RemoveMessageCorrelations(messageKey int64) error {
	return removeMessageCorrelations(r.tx, messageKey)
}

func removeMessageCorrelations(tx Txn, messageKey int64) error {
	var rows [][]byte
	for row, err := range scan(tx, messageCorrelatedPrefix(messageKey)) {
		if err != nil {
			return err
		}
		rows = append(rows, row.key)
	}
	for _, k := range rows {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
