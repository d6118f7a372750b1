// Package events provides in-process pub/sub for pipeline diagnostics.
// Every degradation the pipeline tolerates (dropped span, empty candidate
// list, forced estimate, exhausted retries) is published here so callers can
// observe what the batch silently survived.
package events

import "sync"

// Kind classifies a diagnostic event.
type Kind string

const (
	KindUnresolvedSpan       Kind = "unresolved_span"
	KindGazetteerUnavailable Kind = "gazetteer_unavailable"
	KindEmptyCandidates      Kind = "empty_candidates"
	KindForcedEstimate       Kind = "forced_estimate"
	KindResolutionFailed     Kind = "resolution_failed"
	KindParseRetry           Kind = "parse_retry"
)

// Event is one observable degradation tied to a toponym or text.
type Event struct {
	Kind    Kind
	Toponym string
	Detail  string
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block the pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
