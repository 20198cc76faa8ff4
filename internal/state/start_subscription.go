package state

import (
	"fmt"
	"iter"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
)

// StartEventSubscriptionStore indexes message start events twice:
//
//	ssub/n/{tenant}/{messageName}/{definitionKey} publish-time lookup
//	ssub/d/{definitionKey}/{tenant}/{messageName} undeploy cleanup
//
// Both rows are always written and deleted together.
type StartEventSubscriptionStore struct {
	tx Txn
}

func startByNamePrefix(tenantID, messageName string) keys.Key {
	return keys.New(keys.StartSubscriptionByName).Str(tenantID).Str(messageName)
}

func startByDefPrefix(processDefinitionKey int64) keys.Key {
	return keys.New(keys.StartSubscriptionByDef).Int(processDefinitionKey)
}

func (s *StartEventSubscriptionStore) Put(sub protocol.MessageStartEventSubscriptionRecord) error {
	byName := startByNamePrefix(sub.TenantID, sub.MessageName).Int(sub.ProcessDefinitionKey)
	if err := setJSON(s.tx, byName.Bytes(), sub); err != nil {
		return fmt.Errorf("put start subscription: %w", err)
	}
	byDef := startByDefPrefix(sub.ProcessDefinitionKey).Str(sub.TenantID).Str(sub.MessageName)
	if err := setJSON(s.tx, byDef.Bytes(), sub); err != nil {
		return fmt.Errorf("put start subscription: %w", err)
	}
	return nil
}

func (s *StartEventSubscriptionStore) Remove(tenantID, messageName string, processDefinitionKey int64) error {
	if err := s.tx.Delete(startByNamePrefix(tenantID, messageName).Int(processDefinitionKey).Bytes()); err != nil {
		return err
	}
	return s.tx.Delete(startByDefPrefix(processDefinitionKey).Str(tenantID).Str(messageName).Bytes())
}

// ByMessageName yields the start events triggered by messageName, ordered by
// process definition key.
func (s *StartEventSubscriptionStore) ByMessageName(tenantID, messageName string) iter.Seq2[protocol.MessageStartEventSubscriptionRecord, error] {
	return s.rows(startByNamePrefix(tenantID, messageName))
}

// ByProcessDefinition yields the start events of one process definition.
func (s *StartEventSubscriptionStore) ByProcessDefinition(processDefinitionKey int64) iter.Seq2[protocol.MessageStartEventSubscriptionRecord, error] {
	return s.rows(startByDefPrefix(processDefinitionKey))
}

// RemoveByProcessDefinition removes every start event of the definition and
// returns how many were removed.
func (s *StartEventSubscriptionStore) RemoveByProcessDefinition(processDefinitionKey int64) (int, error) {
	var subs []protocol.MessageStartEventSubscriptionRecord
	for sub, err := range s.ByProcessDefinition(processDefinitionKey) {
		if err != nil {
			return 0, err
		}
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		if err := s.Remove(sub.TenantID, sub.MessageName, sub.ProcessDefinitionKey); err != nil {
			return 0, err
		}
	}
	return len(subs), nil
}

func (s *StartEventSubscriptionStore) rows(prefix keys.Key) iter.Seq2[protocol.MessageStartEventSubscriptionRecord, error] {
	return func(yield func(protocol.MessageStartEventSubscriptionRecord, error) bool) {
		for row, err := range scan(s.tx, prefix) {
			var sub protocol.MessageStartEventSubscriptionRecord
			if err == nil {
				err = decodeRow(row, &sub)
			}
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}
