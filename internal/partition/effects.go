package partition

import (
	"encoding/json"

	"github.com/rzbill/correlator/internal/correlation"
	"github.com/rzbill/correlator/internal/protocol"
)

// effects buffers what the orchestrator asks for while a command is applied.
// Nothing leaves the partition before the transaction commits; a rolled
// back command leaves no trace.
type effects struct {
	p       *Partition
	pending []func()
}

var (
	_ correlation.Sender    = (*effects)(nil)
	_ correlation.Responder = (*effects)(nil)
	_ correlation.Listener  = (*effects)(nil)
)

func (e *effects) later(fn func()) { e.pending = append(e.pending, fn) }

func (e *effects) reset() { e.pending = e.pending[:0] }

// flush runs the buffered effects in the order they were produced.
func (e *effects) flush() {
	fns := e.pending
	e.pending = nil
	for _, fn := range fns {
		fn()
	}
}

func (e *effects) Send(partitionID int32, cmd protocol.Command) {
	e.later(func() { e.p.route(partitionID, cmd) })
}

func (e *effects) Respond(resp protocol.PublishResponse) {
	e.later(func() { e.p.respond(resp, nil) })
}

func (e *effects) MessageCorrelated(sub protocol.ProcessMessageSubscriptionRecord, messageKey int64, vars json.RawMessage) {
	e.later(func() { e.p.listener.MessageCorrelated(sub, messageKey, vars) })
}

func (e *effects) StartEventTriggered(start protocol.MessageStartEventSubscriptionRecord, key int64, msg protocol.MessageRecord) {
	e.later(func() { e.p.listener.StartEventTriggered(start, key, msg) })
}

func (e *effects) StartEventRejected(start protocol.MessageStartEventSubscriptionRecord, msg protocol.MessageRecord) {
	e.later(func() { e.p.listener.StartEventRejected(start, msg) })
}

func (e *effects) MessageExpired(msg protocol.MessageRecord) {
	e.later(func() { e.p.listener.MessageExpired(msg) })
}

func (e *effects) DuplicateIgnored(msg protocol.MessageRecord, originalKey int64) {
	e.later(func() { e.p.listener.DuplicateIgnored(msg, originalKey) })
}

func (e *effects) SubscriptionRejected(sub protocol.ProcessMessageSubscriptionRecord, err error) {
	e.later(func() { e.p.listener.SubscriptionRejected(sub, err) })
}
