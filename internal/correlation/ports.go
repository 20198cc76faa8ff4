package correlation

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rzbill/correlator/internal/protocol"
)

// Sender delivers a handshake command to a partition, which may be the
// sending partition itself. Delivery is at least once from the
// orchestrator's point of view: anything awaiting an answer is resent until
// acknowledged.
type Sender interface {
	Send(partitionID int32, cmd protocol.Command)
}

// Responder answers recorded publish requests.
type Responder interface {
	Respond(resp protocol.PublishResponse)
}

// Listener receives correlation results on behalf of the execution engine.
type Listener interface {
	// MessageCorrelated reports that the element instance of sub consumed the
	// message.
	MessageCorrelated(sub protocol.ProcessMessageSubscriptionRecord, messageKey int64, variables json.RawMessage)
	// StartEventTriggered asks the engine to create processInstanceKey from
	// the start event.
	StartEventTriggered(start protocol.MessageStartEventSubscriptionRecord, processInstanceKey int64, msg protocol.MessageRecord)
	// StartEventRejected reports a start prevented by an active instance for
	// the message's correlation key.
	StartEventRejected(start protocol.MessageStartEventSubscriptionRecord, msg protocol.MessageRecord)
	MessageExpired(msg protocol.MessageRecord)
	DuplicateIgnored(msg protocol.MessageRecord, originalKey int64)
	// SubscriptionRejected reports an open whose expressions did not evaluate.
	SubscriptionRejected(sub protocol.ProcessMessageSubscriptionRecord, err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) MessageCorrelated(protocol.ProcessMessageSubscriptionRecord, int64, json.RawMessage)             {}
func (NopListener) StartEventTriggered(protocol.MessageStartEventSubscriptionRecord, int64, protocol.MessageRecord) {}
func (NopListener) StartEventRejected(protocol.MessageStartEventSubscriptionRecord, protocol.MessageRecord)         {}
func (NopListener) MessageExpired(protocol.MessageRecord)                                                           {}
func (NopListener) DuplicateIgnored(protocol.MessageRecord, int64)                                                  {}
func (NopListener) SubscriptionRejected(protocol.ProcessMessageSubscriptionRecord, error)                           {}

// LogicalClock is the deterministic time of a partition. The partition
// sets it to each command's log timestamp before applying the command, so a
// replay sees the same time as the first apply.
type LogicalClock struct {
	now atomic.Int64
}

// NewLogicalClock returns a clock at start (milliseconds).
func NewLogicalClock(start int64) *LogicalClock {
	c := &LogicalClock{}
	c.now.Store(start)
	return c
}

// Set moves the clock. Time never goes backwards.
func (c *LogicalClock) Set(ms int64) {
	for {
		cur := c.now.Load()
		if ms <= cur || c.now.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// Now returns the current logical time in milliseconds.
func (c *LogicalClock) Now() int64 { return c.now.Load() }
