package state

import (
	"errors"
	"fmt"
	"iter"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/pkg/log"
)

// MessageSubscriptionStore holds the message-partition side of subscriptions:
//
//	msub/k/{elementInstanceKey}/{messageName}                  primary row
//	msub/c/{tenant}/{messageName}/{correlationKey}/{elementKey} lookup by correlation
//
// A subscription moves from correlating=false to correlating=true once a
// message is staged on it. It never flips back in place; a reset is a
// Remove followed by Put.
type MessageSubscriptionStore struct {
	tx      Txn
	pending *PendingTracker
	clock   Clock
	logger  log.Logger
}

func messageSubscriptionKey(elementInstanceKey int64, messageName string) []byte {
	return keys.New(keys.MessageSubscriptionByKey).Int(elementInstanceKey).Str(messageName).Bytes()
}

func messageSubscriptionCorrPrefix(tenantID, messageName, correlationKey string) keys.Key {
	return keys.New(keys.MessageSubscriptionByCorr).Str(tenantID).Str(messageName).Str(correlationKey)
}

func messageSubscriptionPendingKey(sub protocol.MessageSubscriptionRecord) PendingKey {
	return PendingKey{OwnerKey: sub.ElementInstanceKey, MessageName: sub.MessageName, TenantID: sub.TenantID}
}

// Put stores sub and its correlation index row.
func (s *MessageSubscriptionStore) Put(sub protocol.MessageSubscriptionRecord) error {
	if err := setJSON(s.tx, messageSubscriptionKey(sub.ElementInstanceKey, sub.MessageName), sub); err != nil {
		return fmt.Errorf("put message subscription: %w", err)
	}
	idx := messageSubscriptionCorrPrefix(sub.TenantID, sub.MessageName, sub.CorrelationKey).Int(sub.ElementInstanceKey)
	if err := s.tx.Set(idx.Bytes(), nil); err != nil {
		return fmt.Errorf("put message subscription index: %w", err)
	}
	return nil
}

// Get returns the subscription of the element instance for messageName.
func (s *MessageSubscriptionStore) Get(elementInstanceKey int64, messageName string) (protocol.MessageSubscriptionRecord, error) {
	var sub protocol.MessageSubscriptionRecord
	err := getJSON(s.tx, messageSubscriptionKey(elementInstanceKey, messageName), &sub)
	return sub, err
}

// Exists reports whether the element instance subscribed to messageName.
func (s *MessageSubscriptionStore) Exists(elementInstanceKey int64, messageName string) (bool, error) {
	return s.tx.Has(messageSubscriptionKey(elementInstanceKey, messageName))
}

// UpdateToCorrelating stages msg on sub and starts its retry clock.
func (s *MessageSubscriptionStore) UpdateToCorrelating(sub protocol.MessageSubscriptionRecord, msg protocol.MessageRecord) (protocol.MessageSubscriptionRecord, error) {
	if sub.Correlating {
		return sub, fmt.Errorf("%w: subscription %d/%s is already correlating message %d",
			ErrIllegalTransition, sub.ElementInstanceKey, sub.MessageName, sub.MessageKey)
	}
	sub.Correlating = true
	sub.MessageKey = msg.Key
	sub.Variables = msg.Variables
	if err := setJSON(s.tx, messageSubscriptionKey(sub.ElementInstanceKey, sub.MessageName), sub); err != nil {
		return sub, fmt.Errorf("update message subscription: %w", err)
	}
	s.pending.Update(messageSubscriptionPendingKey(sub), s.clock.Now())
	return sub, nil
}

// UpdateToCorrelated marks the handshake of sub as acknowledged. The row is
// left to the caller to remove or reset.
func (s *MessageSubscriptionStore) UpdateToCorrelated(sub protocol.MessageSubscriptionRecord) {
	s.pending.Remove(messageSubscriptionPendingKey(sub))
}

// Remove deletes the subscription and its index row. Unknown subscriptions
// are ignored.
func (s *MessageSubscriptionStore) Remove(elementInstanceKey int64, messageName string) error {
	sub, err := s.Get(elementInstanceKey, messageName)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.tx.Delete(messageSubscriptionKey(elementInstanceKey, messageName)); err != nil {
		return err
	}
	idx := messageSubscriptionCorrPrefix(sub.TenantID, sub.MessageName, sub.CorrelationKey).Int(elementInstanceKey)
	if err := s.tx.Delete(idx.Bytes()); err != nil {
		return err
	}
	s.pending.Remove(messageSubscriptionPendingKey(sub))
	return nil
}

// Subscriptions yields the subscriptions waiting for (tenant, messageName,
// correlationKey) in element instance key order. An index row without a
// primary row yields an *InconsistencyError and ends the sequence.
func (s *MessageSubscriptionStore) Subscriptions(tenantID, messageName, correlationKey string) iter.Seq2[protocol.MessageSubscriptionRecord, error] {
	prefix := messageSubscriptionCorrPrefix(tenantID, messageName, correlationKey)
	return func(yield func(protocol.MessageSubscriptionRecord, error) bool) {
		for row, err := range scan(s.tx, prefix) {
			if err != nil {
				yield(protocol.MessageSubscriptionRecord{}, err)
				return
			}
			eik, err := decodeTrailingInt(row.key, len(prefix))
			if err != nil {
				yield(protocol.MessageSubscriptionRecord{}, err)
				return
			}
			sub, err := s.Get(eik, messageName)
			if errors.Is(err, ErrNotFound) {
				err = &InconsistencyError{
					Index:   "message subscription correlation",
					Primary: fmt.Sprintf("message subscription %d/%s", eik, messageName),
				}
			}
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}

// Pending yields correlating subscriptions whose last attempt is older than
// deadline, oldest first. Tracker entries that no longer resolve are logged
// and dropped.
func (s *MessageSubscriptionStore) Pending(deadline int64) iter.Seq2[protocol.MessageSubscriptionRecord, error] {
	return func(yield func(protocol.MessageSubscriptionRecord, error) bool) {
		for _, e := range s.pending.EntriesBefore(deadline) {
			sub, err := s.Get(e.OwnerKey, e.MessageName)
			if errors.Is(err, ErrNotFound) || (err == nil && !sub.Correlating) {
				s.logger.Warn("dropping stale pending message subscription",
					log.Int64("element_instance_key", e.OwnerKey),
					log.Str("message_name", e.MessageName))
				s.pending.Remove(e.PendingKey)
				continue
			}
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}

// OnSent restarts the retry clock of sub.
func (s *MessageSubscriptionStore) OnSent(sub protocol.MessageSubscriptionRecord) {
	s.pending.Update(messageSubscriptionPendingKey(sub), s.clock.Now())
}

// OnRecovered re-arms the retry clock of every correlating subscription.
func (s *MessageSubscriptionStore) OnRecovered() (int, error) {
	n := 0
	now := s.clock.Now()
	for row, err := range scan(s.tx, keys.New(keys.MessageSubscriptionByKey)) {
		if err != nil {
			return n, err
		}
		var sub protocol.MessageSubscriptionRecord
		if err := decodeRow(row, &sub); err != nil {
			return n, err
		}
		if sub.Correlating {
			s.pending.Add(messageSubscriptionPendingKey(sub), now)
			n++
		}
	}
	return n, nil
}
