package partition

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rzbill/correlator/internal/correlation"
	"github.com/rzbill/correlator/internal/protocol"
)

// Stats is a point-in-time view of a partition.
type Stats struct {
	PartitionID       int32  `json:"partitionId"`
	LastSeq           uint64 `json:"lastSeq"`
	AppliedSeq        uint64 `json:"appliedSeq"`
	BufferedMessages  int64  `json:"bufferedMessages"`
	PendingHandshakes int    `json:"pendingHandshakes"`
	Healthy           bool   `json:"healthy"`

	Correlated            uint64 `json:"correlated"`
	StartEventsTriggered  uint64 `json:"startEventsTriggered"`
	StartEventsRejected   uint64 `json:"startEventsRejected"`
	Expired               uint64 `json:"expired"`
	Duplicates            uint64 `json:"duplicates"`
	SubscriptionsRejected uint64 `json:"subscriptionsRejected"`

	StorageCommits      uint64 `json:"storageCommits"`
	StorageBytesWritten uint64 `json:"storageBytesWritten"`
	StorageCommitMicros uint64 `json:"storageCommitMicros"`
}

// Add folds o into s. The partition id is kept.
func (s *Stats) Add(o Stats) {
	s.LastSeq += o.LastSeq
	s.AppliedSeq += o.AppliedSeq
	s.BufferedMessages += o.BufferedMessages
	s.PendingHandshakes += o.PendingHandshakes
	s.Healthy = s.Healthy && o.Healthy
	s.Correlated += o.Correlated
	s.StartEventsTriggered += o.StartEventsTriggered
	s.StartEventsRejected += o.StartEventsRejected
	s.Expired += o.Expired
	s.Duplicates += o.Duplicates
	s.SubscriptionsRejected += o.SubscriptionsRejected
	s.StorageCommits += o.StorageCommits
	s.StorageBytesWritten += o.StorageBytesWritten
	s.StorageCommitMicros += o.StorageCommitMicros
}

// counters counts listener events and forwards them.
type counters struct {
	next correlation.Listener

	correlated, triggered, rejected, expired, duplicates, subRejected atomic.Uint64
}

func (c *counters) MessageCorrelated(sub protocol.ProcessMessageSubscriptionRecord, messageKey int64, vars json.RawMessage) {
	c.correlated.Add(1)
	c.next.MessageCorrelated(sub, messageKey, vars)
}

func (c *counters) StartEventTriggered(start protocol.MessageStartEventSubscriptionRecord, key int64, msg protocol.MessageRecord) {
	c.triggered.Add(1)
	c.next.StartEventTriggered(start, key, msg)
}

func (c *counters) StartEventRejected(start protocol.MessageStartEventSubscriptionRecord, msg protocol.MessageRecord) {
	c.rejected.Add(1)
	c.next.StartEventRejected(start, msg)
}

func (c *counters) MessageExpired(msg protocol.MessageRecord) {
	c.expired.Add(1)
	c.next.MessageExpired(msg)
}

func (c *counters) DuplicateIgnored(msg protocol.MessageRecord, originalKey int64) {
	c.duplicates.Add(1)
	c.next.DuplicateIgnored(msg, originalKey)
}

func (c *counters) SubscriptionRejected(sub protocol.ProcessMessageSubscriptionRecord, err error) {
	c.subRejected.Add(1)
	c.next.SubscriptionRejected(sub, err)
}

func (c *counters) fill(s *Stats) {
	s.Correlated = c.correlated.Load()
	s.StartEventsTriggered = c.triggered.Load()
	s.StartEventsRejected = c.rejected.Load()
	s.Expired = c.expired.Load()
	s.Duplicates = c.duplicates.Load()
	s.SubscriptionsRejected = c.subRejected.Load()
}

// storageMetrics accumulates Pebble commit observations.
type storageMetrics struct {
	commits, bytes, commitMicros atomic.Uint64
}

func (m *storageMetrics) ObserveWrite(time.Duration, int) {}
func (m *storageMetrics) ObserveRead(time.Duration, int)  {}

func (m *storageMetrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.commits.Add(1)
	m.bytes.Add(uint64(bytes))
	m.commitMicros.Add(uint64(elapsed.Microseconds()))
}

func (m *storageMetrics) fill(s *Stats) {
	s.StorageCommits = m.commits.Load()
	s.StorageBytesWritten = m.bytes.Load()
	s.StorageCommitMicros = m.commitMicros.Load()
}
