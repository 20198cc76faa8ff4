// Package state implements the durable correlation state of one partition
// on top of a Pebble transaction.
package state

import "github.com/rzbill/correlator/pkg/log"

// Options configures New.
type Options struct {
	PartitionID int32
	Clock       Clock
	Logger      log.Logger
	// MessagePending and ProcessPending outlive single transactions; the
	// partition owns them.
	MessagePending *PendingTracker
	ProcessPending *PendingTracker
}

// State groups the stores bound to one transaction.
type State struct {
	Keys                 *KeyGenerator
	Messages             *MessageStore
	MessageSubscriptions *MessageSubscriptionStore
	ProcessSubscriptions *ProcessSubscriptionStore
	StartEvents          *StartEventSubscriptionStore
	Exclusivity          *ExclusivityRegistry
	Requests             *RequestRegistry
}

// New binds the stores to tx.
func New(tx Txn, opts Options) *State {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.MessagePending == nil {
		opts.MessagePending = NewPendingTracker()
	}
	if opts.ProcessPending == nil {
		opts.ProcessPending = NewPendingTracker()
	}
	if opts.Clock == nil {
		opts.Clock = ClockFunc(func() int64 { return 0 })
	}
	logger := opts.Logger.WithComponent("state")
	return &State{
		Keys:     newKeyGenerator(tx, opts.PartitionID),
		Messages: &MessageStore{tx: tx},
		MessageSubscriptions: &MessageSubscriptionStore{
			tx: tx, pending: opts.MessagePending, clock: opts.Clock, logger: logger,
		},
		ProcessSubscriptions: &ProcessSubscriptionStore{
			tx: tx, pending: opts.ProcessPending, clock: opts.Clock, logger: logger,
		},
		StartEvents: &StartEventSubscriptionStore{tx: tx},
		Exclusivity: &ExclusivityRegistry{tx: tx},
		Requests:    &RequestRegistry{tx: tx},
	}
}
