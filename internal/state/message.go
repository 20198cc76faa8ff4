package state

import (
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
)

// MessageStore holds buffered messages and their indices:
//
//	msg/k/{key}                                  primary row
//	msg/c/{tenant}/{name}/{correlationKey}/{key} FIFO lookup
//	msg/id/{tenant}/{name}/{correlationKey}/{id} deduplication
//	msg/dl/{deadline}/{key}                      expiry
type MessageStore struct {
	tx Txn
}

// DeadlineEntry is one row of the deadline index.
type DeadlineEntry struct {
	Deadline int64
	Key      int64
}

// DeadlineCursor is where an interrupted expiry scan resumes (inclusive).
type DeadlineCursor DeadlineEntry

func messageKey(key int64) []byte {
	return keys.New(keys.MessageByKey).Int(key).Bytes()
}

func messageCorrelationPrefix(tenantID, name, correlationKey string) keys.Key {
	return keys.New(keys.MessageByCorrelation).Str(tenantID).Str(name).Str(correlationKey)
}

func messageIDKey(tenantID, name, correlationKey, messageID string) []byte {
	return keys.New(keys.MessageID).Str(tenantID).Str(name).Str(correlationKey).Str(messageID).Bytes()
}

func messageDeadlineKey(deadline, key int64) []byte {
	return keys.New(keys.MessageDeadline).Int(deadline).Int(key).Bytes()
}

func bufferedCountKey() []byte { return keys.New(keys.Meta).Str("buffered_messages").Bytes() }

// Put stores msg with all of its index rows and increments the buffered
// message count. Putting an existing key replaces its index rows without
// counting it twice.
func (s *MessageStore) Put(msg protocol.MessageRecord) error {
	prev, err := s.Get(msg.Key)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existed {
		if err := s.deleteIndices(prev); err != nil {
			return err
		}
	}
	if err := setJSON(s.tx, messageKey(msg.Key), msg); err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	idx := messageCorrelationPrefix(msg.TenantID, msg.Name, msg.CorrelationKey).Int(msg.Key)
	if err := s.tx.Set(idx.Bytes(), nil); err != nil {
		return fmt.Errorf("put message correlation index: %w", err)
	}
	if err := s.tx.Set(messageDeadlineKey(msg.Deadline, msg.Key), nil); err != nil {
		return fmt.Errorf("put message deadline index: %w", err)
	}
	if msg.MessageID != "" {
		k := messageIDKey(msg.TenantID, msg.Name, msg.CorrelationKey, msg.MessageID)
		if err := setInt64(s.tx, k, msg.Key); err != nil {
			return fmt.Errorf("put message id index: %w", err)
		}
	}
	if existed {
		return nil
	}
	return s.addBuffered(1)
}

// Get returns the message stored under key.
func (s *MessageStore) Get(key int64) (protocol.MessageRecord, error) {
	var msg protocol.MessageRecord
	err := getJSON(s.tx, messageKey(key), &msg)
	return msg, err
}

// Remove deletes the message and every row derived from it, including the
// process correlation rows. Removing an unknown key is a no-op.
func (s *MessageStore) Remove(key int64) error {
	msg, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.tx.Delete(messageKey(key)); err != nil {
		return err
	}
	if err := s.deleteIndices(msg); err != nil {
		return err
	}
	if err := removeMessageCorrelations(s.tx, key); err != nil {
		return err
	}
	return s.addBuffered(-1)
}

// deleteIndices removes the correlation, deadline and message id rows of msg.
func (s *MessageStore) deleteIndices(msg protocol.MessageRecord) error {
	idx := messageCorrelationPrefix(msg.TenantID, msg.Name, msg.CorrelationKey).Int(msg.Key)
	if err := s.tx.Delete(idx.Bytes()); err != nil {
		return err
	}
	if msg.MessageID != "" {
		if err := s.tx.Delete(messageIDKey(msg.TenantID, msg.Name, msg.CorrelationKey, msg.MessageID)); err != nil {
			return err
		}
	}
	return s.tx.Delete(messageDeadlineKey(msg.Deadline, msg.Key))
}

// Exists reports whether a message with messageID was already published for
// (tenant, name, correlationKey).
func (s *MessageStore) Exists(name, correlationKey, messageID, tenantID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	return s.tx.Has(messageIDKey(tenantID, name, correlationKey, messageID))
}

// DuplicateOf returns the key of the message already published with
// messageID for (tenant, name, correlationKey).
func (s *MessageStore) DuplicateOf(name, correlationKey, messageID, tenantID string) (int64, bool, error) {
	if messageID == "" {
		return 0, false, nil
	}
	b, err := s.tx.Get(messageIDKey(tenantID, name, correlationKey, messageID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	key, err := keys.DecodeInt64Value(b)
	return key, err == nil, err
}

// Messages yields the buffered messages for (tenant, name, correlationKey)
// oldest first. Stopping the range stops the scan.
func (s *MessageStore) Messages(tenantID, name, correlationKey string) iter.Seq2[protocol.MessageRecord, error] {
	prefix := messageCorrelationPrefix(tenantID, name, correlationKey)
	return func(yield func(protocol.MessageRecord, error) bool) {
		for row, err := range scan(s.tx, prefix) {
			if err != nil {
				yield(protocol.MessageRecord{}, err)
				return
			}
			key, err := decodeTrailingInt(row.key, len(prefix))
			if err != nil {
				yield(protocol.MessageRecord{}, err)
				return
			}
			msg, err := s.Get(key)
			if errors.Is(err, ErrNotFound) {
				err = &InconsistencyError{Index: "message correlation", Primary: "message " + strconv.FormatInt(key, 10)}
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

// Expired yields deadline index entries with deadline <= timestamp in
// ascending (deadline, key) order, starting at from when it is non-nil.
// Deleting messages while ranging is not supported; collect first.
func (s *MessageStore) Expired(timestamp int64, from *DeadlineCursor) iter.Seq2[DeadlineEntry, error] {
	lower := keys.New(keys.MessageDeadline).Bytes()
	if from != nil {
		lower = messageDeadlineKey(from.Deadline, from.Key)
	}
	upper := keys.PrefixEnd(keys.New(keys.MessageDeadline))
	return func(yield func(DeadlineEntry, error) bool) {
		for row, err := range scanRange(s.tx, lower, upper) {
			if err != nil {
				yield(DeadlineEntry{}, err)
				return
			}
			d := keys.NewDecoder(row.key, keys.MessageDeadline)
			e := DeadlineEntry{Deadline: d.Int(), Key: d.Int()}
			if err := d.Err(); err != nil {
				yield(DeadlineEntry{}, err)
				return
			}
			if e.Deadline > timestamp {
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// BufferedCount returns the number of stored messages.
func (s *MessageStore) BufferedCount() (int64, error) {
	return getInt64(s.tx, bufferedCountKey())
}

func (s *MessageStore) addBuffered(delta int64) error {
	n, err := s.BufferedCount()
	if err != nil {
		return err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return setInt64(s.tx, bufferedCountKey(), n)
}

// decodeTrailingInt reads the int64 component that follows a prefix of
// length n.
func decodeTrailingInt(key []byte, n int) (int64, error) {
	if len(key) != n+8 {
		return 0, keys.ErrMalformed
	}
	d := keys.NewDecoder(key[n:], "")
	v := d.Int()
	return v, d.Err()
}
