package pebblestore

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode selects when committed writes reach stable storage.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit. An applied command is
	// durable before its effects leave the partition.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble group WAL syncs of commits that land
	// within FsyncInterval of each other.
	FsyncModeInterval
	// FsyncModeNever leaves syncing entirely to Pebble.
	FsyncModeNever
)

const defaultSyncInterval = 5 * time.Millisecond

// String returns the configuration spelling of m.
func (m FsyncMode) String() string {
	switch m {
	case FsyncModeAlways:
		return "always"
	case FsyncModeInterval:
		return "interval"
	case FsyncModeNever:
		return "never"
	default:
		return "unspecified"
	}
}

// ParseFsyncMode maps always|interval|never to a FsyncMode. The empty string
// means always.
func ParseFsyncMode(s string) (FsyncMode, error) {
	if s == "" {
		return FsyncModeAlways, nil
	}
	for _, m := range []FsyncMode{FsyncModeAlways, FsyncModeInterval, FsyncModeNever} {
		if m.String() == s {
			return m, nil
		}
	}
	return FsyncModeUnspecified, fmt.Errorf("pebble: invalid fsync mode %q; use always|interval|never", s)
}

// Options configures Open.
type Options struct {
	// DataDir holds the database files. Required.
	DataDir string
	Fsync   FsyncMode
	// FsyncInterval bounds group commits in FsyncModeInterval. Zero means 5ms.
	FsyncInterval time.Duration
	// PebbleOptions overrides the Pebble defaults.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// walSyncInterval returns the WAL group-commit window for the mode, or nil
// when commits should not be delayed.
func (o Options) walSyncInterval() func() time.Duration {
	var window time.Duration
	switch o.Fsync {
	case FsyncModeAlways, FsyncModeNever:
		return nil
	case FsyncModeInterval:
		window = o.FsyncInterval
	}
	if window <= 0 {
		window = defaultSyncInterval
	}
	return func() time.Duration { return window }
}

// MetricsHook observes storage traffic. Implementations must be safe for
// concurrent use: commits come from the writer while reads may come from
// any goroutine.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics discards observations.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}
