package state

import (
	"errors"
	"fmt"
	"iter"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/pkg/log"
)

// ProcessSubscriptionStore holds the process-partition side of subscriptions
// (psub/k/{elementInstanceKey}/{tenant}/{messageName}).
//
// Legal transitions are OPENING -> OPENED -> CLOSING; any state may be
// removed. OPENING and CLOSING wait for the message partition and are
// tracked for retry.
type ProcessSubscriptionStore struct {
	tx      Txn
	pending *PendingTracker
	clock   Clock
	logger  log.Logger
}

func processSubscriptionKey(elementInstanceKey int64, tenantID, messageName string) []byte {
	return keys.New(keys.ProcessSubscriptionByKey).Int(elementInstanceKey).Str(tenantID).Str(messageName).Bytes()
}

func processSubscriptionPendingKey(sub protocol.ProcessMessageSubscriptionRecord) PendingKey {
	return PendingKey{OwnerKey: sub.ElementInstanceKey, MessageName: sub.MessageName, TenantID: sub.TenantID}
}

func awaitsAck(state protocol.ProcessSubscriptionState) bool {
	return state == protocol.StateOpening || state == protocol.StateClosing
}

// Put stores sub as given. A subscription stored OPENING or CLOSING is
// tracked for retry.
func (s *ProcessSubscriptionStore) Put(sub protocol.ProcessMessageSubscriptionRecord) error {
	if sub.State == "" {
		sub.State = protocol.StateOpening
	}
	if err := s.write(sub); err != nil {
		return err
	}
	if awaitsAck(sub.State) {
		s.pending.Add(processSubscriptionPendingKey(sub), s.clock.Now())
	}
	return nil
}

func (s *ProcessSubscriptionStore) write(sub protocol.ProcessMessageSubscriptionRecord) error {
	sub.MessageNameExpression = ""
	sub.CorrelationKeyExpression = ""
	if err := setJSON(s.tx, processSubscriptionKey(sub.ElementInstanceKey, sub.TenantID, sub.MessageName), sub); err != nil {
		return fmt.Errorf("put process subscription: %w", err)
	}
	return nil
}

// Get returns a process subscription.
func (s *ProcessSubscriptionStore) Get(elementInstanceKey int64, tenantID, messageName string) (protocol.ProcessMessageSubscriptionRecord, error) {
	var sub protocol.ProcessMessageSubscriptionRecord
	err := getJSON(s.tx, processSubscriptionKey(elementInstanceKey, tenantID, messageName), &sub)
	return sub, err
}

func (s *ProcessSubscriptionStore) Exists(elementInstanceKey int64, tenantID, messageName string) (bool, error) {
	return s.tx.Has(processSubscriptionKey(elementInstanceKey, tenantID, messageName))
}

// UpdateToOpening stores sub as OPENING and restarts its retry clock. It is
// only legal for a new subscription or one that is still opening.
func (s *ProcessSubscriptionStore) UpdateToOpening(sub protocol.ProcessMessageSubscriptionRecord) (protocol.ProcessMessageSubscriptionRecord, error) {
	return s.transition(sub, protocol.StateOpening, "", protocol.StateOpening)
}

// UpdateToOpened marks the subscription acknowledged by the message
// partition. Retries stop.
func (s *ProcessSubscriptionStore) UpdateToOpened(sub protocol.ProcessMessageSubscriptionRecord) (protocol.ProcessMessageSubscriptionRecord, error) {
	return s.transition(sub, protocol.StateOpened, protocol.StateOpening, protocol.StateOpened)
}

// UpdateToClosing starts closing an opened subscription.
func (s *ProcessSubscriptionStore) UpdateToClosing(sub protocol.ProcessMessageSubscriptionRecord) (protocol.ProcessMessageSubscriptionRecord, error) {
	return s.transition(sub, protocol.StateClosing, protocol.StateOpened, protocol.StateClosing)
}

// transition moves sub to target when its stored state is one of from. An
// absent row is allowed only when "" is listed.
func (s *ProcessSubscriptionStore) transition(sub protocol.ProcessMessageSubscriptionRecord, target protocol.ProcessSubscriptionState, from ...protocol.ProcessSubscriptionState) (protocol.ProcessMessageSubscriptionRecord, error) {
	current := protocol.ProcessSubscriptionState("")
	stored, err := s.Get(sub.ElementInstanceKey, sub.TenantID, sub.MessageName)
	switch {
	case err == nil:
		current = stored.State
		sub = mergeStored(stored, sub)
	case !errors.Is(err, ErrNotFound):
		return sub, err
	}
	legal := false
	for _, f := range from {
		if f == current {
			legal = true
			break
		}
	}
	if !legal {
		if current == "" {
			return sub, fmt.Errorf("%w: subscription %d/%s does not exist", ErrNotFound, sub.ElementInstanceKey, sub.MessageName)
		}
		return sub, fmt.Errorf("%w: %s -> %s for subscription %d/%s",
			ErrIllegalTransition, current, target, sub.ElementInstanceKey, sub.MessageName)
	}
	sub.State = target
	if err := s.write(sub); err != nil {
		return sub, err
	}
	if awaitsAck(target) {
		s.pending.Update(processSubscriptionPendingKey(sub), s.clock.Now())
	} else {
		s.pending.Remove(processSubscriptionPendingKey(sub))
	}
	return sub, nil
}

// mergeStored keeps the stored row's identity and lets the update carry
// only what it knows.
func mergeStored(stored, update protocol.ProcessMessageSubscriptionRecord) protocol.ProcessMessageSubscriptionRecord {
	if update.MessageKey != 0 {
		stored.MessageKey = update.MessageKey
	}
	return stored
}

// Remove deletes the subscription and stops its retries.
func (s *ProcessSubscriptionStore) Remove(elementInstanceKey int64, tenantID, messageName string) error {
	if err := s.tx.Delete(processSubscriptionKey(elementInstanceKey, tenantID, messageName)); err != nil {
		return err
	}
	s.pending.Remove(PendingKey{OwnerKey: elementInstanceKey, MessageName: messageName, TenantID: tenantID})
	return nil
}

// ForElement yields every subscription of the element instance.
func (s *ProcessSubscriptionStore) ForElement(elementInstanceKey int64) iter.Seq2[protocol.ProcessMessageSubscriptionRecord, error] {
	return s.rows(keys.New(keys.ProcessSubscriptionByKey).Int(elementInstanceKey))
}

// ExistsForElement reports whether the element instance has any subscription.
func (s *ProcessSubscriptionStore) ExistsForElement(elementInstanceKey int64) (bool, error) {
	for _, err := range s.ForElement(elementInstanceKey) {
		return err == nil, err
	}
	return false, nil
}

func (s *ProcessSubscriptionStore) rows(prefix keys.Key) iter.Seq2[protocol.ProcessMessageSubscriptionRecord, error] {
	return func(yield func(protocol.ProcessMessageSubscriptionRecord, error) bool) {
		for row, err := range scan(s.tx, prefix) {
			var sub protocol.ProcessMessageSubscriptionRecord
			if err == nil {
				err = decodeRow(row, &sub)
			}
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}

// Pending yields OPENING and CLOSING subscriptions whose last attempt is
// older than deadline, oldest first. Stale tracker entries are dropped.
func (s *ProcessSubscriptionStore) Pending(deadline int64) iter.Seq2[protocol.ProcessMessageSubscriptionRecord, error] {
	return func(yield func(protocol.ProcessMessageSubscriptionRecord, error) bool) {
		for _, e := range s.pending.EntriesBefore(deadline) {
			sub, err := s.Get(e.OwnerKey, e.TenantID, e.MessageName)
			if errors.Is(err, ErrNotFound) || (err == nil && !awaitsAck(sub.State)) {
				s.logger.Warn("dropping stale pending process subscription",
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
func (s *ProcessSubscriptionStore) OnSent(sub protocol.ProcessMessageSubscriptionRecord) {
	s.pending.Update(processSubscriptionPendingKey(sub), s.clock.Now())
}

// OnRecovered re-arms the retry clock of every subscription still waiting
// for the message partition.
func (s *ProcessSubscriptionStore) OnRecovered() (int, error) {
	n := 0
	now := s.clock.Now()
	for sub, err := range s.rows(keys.New(keys.ProcessSubscriptionByKey)) {
		if err != nil {
			return n, err
		}
		if awaitsAck(sub.State) {
			s.pending.Add(processSubscriptionPendingKey(sub), now)
			n++
		}
	}
	return n, nil
}
