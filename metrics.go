package vecstore

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives operational events from a store.
// Implementations must be safe for concurrent use.
//
// See package promobserver for a Prometheus implementation.
type MetricsObserver interface {
	// OnWrite is called after each mutating record operation with the number
	// of records in the request.
	OnWrite(op string, records int, d time.Duration, err error)
	// OnRead is called after each get or count.
	OnRead(op string, records int, d time.Duration, err error)
	// OnQuery is called after each query with the number of query vectors
	// and the requested number of results.
	OnQuery(queries, k int, d time.Duration, err error)
	// OnLease is called after each write lease acquisition attempt.
	OnLease(wait time.Duration, err error)
	// OnReplay is called when a segment log index is rebuilt from disk.
	OnReplay(collection string, entries int, d time.Duration)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnWrite(string, int, time.Duration, error) {}
func (NoopMetricsObserver) OnRead(string, int, time.Duration, error)  {}
func (NoopMetricsObserver) OnQuery(int, int, time.Duration, error)    {}
func (NoopMetricsObserver) OnLease(time.Duration, error)              {}
func (NoopMetricsObserver) OnReplay(string, int, time.Duration)       {}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	WriteCount     atomic.Int64
	WriteRecords   atomic.Int64
	WriteErrors    atomic.Int64
	ReadCount      atomic.Int64
	ReadErrors     atomic.Int64
	QueryCount     atomic.Int64
	QueryVectors   atomic.Int64
	QueryErrors    atomic.Int64
	QueryNanos     atomic.Int64
	LeaseCount     atomic.Int64
	LeaseTimeouts  atomic.Int64
	LeaseWaitNanos atomic.Int64
	ReplayCount    atomic.Int64
	ReplayEntries  atomic.Int64
}

// OnWrite implements MetricsObserver.
func (b *BasicMetricsObserver) OnWrite(_ string, records int, _ time.Duration, err error) {
	b.WriteCount.Add(1)
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteRecords.Add(int64(records))
}

// OnRead implements MetricsObserver.
func (b *BasicMetricsObserver) OnRead(_ string, _ int, _ time.Duration, err error) {
	b.ReadCount.Add(1)
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// OnQuery implements MetricsObserver.
func (b *BasicMetricsObserver) OnQuery(queries, _ int, d time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryVectors.Add(int64(queries))
	b.QueryNanos.Add(d.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// OnLease implements MetricsObserver.
func (b *BasicMetricsObserver) OnLease(wait time.Duration, err error) {
	b.LeaseCount.Add(1)
	b.LeaseWaitNanos.Add(wait.Nanoseconds())
	if err != nil {
		b.LeaseTimeouts.Add(1)
	}
}

// OnReplay implements MetricsObserver.
func (b *BasicMetricsObserver) OnReplay(_ string, entries int, _ time.Duration) {
	b.ReplayCount.Add(1)
	b.ReplayEntries.Add(int64(entries))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		WriteCount:    b.WriteCount.Load(),
		WriteRecords:  b.WriteRecords.Load(),
		WriteErrors:   b.WriteErrors.Load(),
		ReadCount:     b.ReadCount.Load(),
		ReadErrors:    b.ReadErrors.Load(),
		QueryCount:    b.QueryCount.Load(),
		QueryVectors:  b.QueryVectors.Load(),
		QueryErrors:   b.QueryErrors.Load(),
		LeaseCount:    b.LeaseCount.Load(),
		LeaseTimeouts: b.LeaseTimeouts.Load(),
		ReplayCount:   b.ReplayCount.Load(),
		ReplayEntries: b.ReplayEntries.Load(),
	}
	if s.QueryCount > 0 {
		s.QueryAvgNanos = b.QueryNanos.Load() / s.QueryCount
	}
	if s.LeaseCount > 0 {
		s.LeaseAvgWaitNanos = b.LeaseWaitNanos.Load() / s.LeaseCount
	}
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	WriteCount        int64
	WriteRecords      int64
	WriteErrors       int64
	ReadCount         int64
	ReadErrors        int64
	QueryCount        int64
	QueryVectors      int64
	QueryErrors       int64
	QueryAvgNanos     int64
	LeaseCount        int64
	LeaseTimeouts     int64
	LeaseAvgWaitNanos int64
	ReplayCount       int64
	ReplayEntries     int64
}
