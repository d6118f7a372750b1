// Package metrics captures shared operational stats for the geoparsing
// pipeline.
package metrics

import "sync/atomic"

// Metrics counts pipeline activity across concurrent geoparse calls.
type Metrics struct {
	textsProcessed   int64
	toponymsFound    int64
	toponymsResolved int64
	ragEstimates     int64
	droppedSpans     int64
	gazetteerHits    int64
	gazetteerMisses  int64
	gazetteerErrors  int64
	cacheHits        int64
	parseRetries     int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	TextsProcessed   int64
	ToponymsFound    int64
	ToponymsResolved int64
	RAGEstimates     int64
	DroppedSpans     int64
	GazetteerHits    int64
	GazetteerMisses  int64
	GazetteerErrors  int64
	CacheHits        int64
	ParseRetries     int64
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) TextProcessed() {
	if m != nil {
		atomic.AddInt64(&m.textsProcessed, 1)
	}
}

func (m *Metrics) ToponymsFound(n int) {
	if m != nil {
		atomic.AddInt64(&m.toponymsFound, int64(n))
	}
}

func (m *Metrics) ToponymResolved() {
	if m != nil {
		atomic.AddInt64(&m.toponymsResolved, 1)
	}
}

func (m *Metrics) RAGEstimate() {
	if m != nil {
		atomic.AddInt64(&m.ragEstimates, 1)
	}
}

func (m *Metrics) DroppedSpan() {
	if m != nil {
		atomic.AddInt64(&m.droppedSpans, 1)
	}
}

func (m *Metrics) GazetteerHit() {
	if m != nil {
		atomic.AddInt64(&m.gazetteerHits, 1)
	}
}

func (m *Metrics) GazetteerMiss() {
	if m != nil {
		atomic.AddInt64(&m.gazetteerMisses, 1)
	}
}

func (m *Metrics) GazetteerError() {
	if m != nil {
		atomic.AddInt64(&m.gazetteerErrors, 1)
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		atomic.AddInt64(&m.cacheHits, 1)
	}
}

func (m *Metrics) ParseRetry() {
	if m != nil {
		atomic.AddInt64(&m.parseRetries, 1)
	}
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		TextsProcessed:   atomic.LoadInt64(&m.textsProcessed),
		ToponymsFound:    atomic.LoadInt64(&m.toponymsFound),
		ToponymsResolved: atomic.LoadInt64(&m.toponymsResolved),
		RAGEstimates:     atomic.LoadInt64(&m.ragEstimates),
		DroppedSpans:     atomic.LoadInt64(&m.droppedSpans),
		GazetteerHits:    atomic.LoadInt64(&m.gazetteerHits),
		GazetteerMisses:  atomic.LoadInt64(&m.gazetteerMisses),
		GazetteerErrors:  atomic.LoadInt64(&m.gazetteerErrors),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		ParseRetries:     atomic.LoadInt64(&m.parseRetries),
	}
}
