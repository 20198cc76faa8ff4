package state

import (
	"cmp"
	"slices"
	"sync"
)

// PendingKey identifies an in-flight handshake.
type PendingKey struct {
	OwnerKey    int64
	MessageName string
	TenantID    string
}

// PendingEntry is a snapshot row of the tracker.
type PendingEntry struct {
	PendingKey
	LastAttempt int64
}

// PendingTracker remembers when each outstanding handshake was last sent.
// It is written by the partition actor and read by the retry trigger, so
// it is the only state guarded by a lock. Nothing here is durable; the
// stores rebuild it in OnRecovered.
type PendingTracker struct {
	mu      sync.RWMutex
	entries map[PendingKey]int64
}

// NewPendingTracker returns an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{entries: make(map[PendingKey]int64)}
}

// Add records key as attempted at ts.
func (p *PendingTracker) Add(key PendingKey, ts int64) {
	p.mu.Lock()
	p.entries[key] = ts
	p.mu.Unlock()
}

// Update is Add.
func (p *PendingTracker) Update(key PendingKey, ts int64) { p.Add(key, ts) }

// Remove forgets key.
func (p *PendingTracker) Remove(key PendingKey) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// Len returns the number of tracked handshakes.
func (p *PendingTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// EntriesBefore returns the entries last attempted strictly before deadline,
// oldest first. The result is a copy; entries may change or vanish once it
// is returned.
func (p *PendingTracker) EntriesBefore(deadline int64) []PendingEntry {
	p.mu.RLock()
	out := make([]PendingEntry, 0, len(p.entries))
	for k, ts := range p.entries {
		if ts < deadline {
			out = append(out, PendingEntry{PendingKey: k, LastAttempt: ts})
		}
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b PendingEntry) int {
		return cmp.Or(
			cmp.Compare(a.LastAttempt, b.LastAttempt),
			cmp.Compare(a.OwnerKey, b.OwnerKey),
			cmp.Compare(a.MessageName, b.MessageName),
			cmp.Compare(a.TenantID, b.TenantID),
		)
	})
	return out
}

// Clear drops every entry.
func (p *PendingTracker) Clear() {
	p.mu.Lock()
	clear(p.entries)
	p.mu.Unlock()
}
