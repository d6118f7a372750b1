package geoparse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"geollama/events"
	"geollama/metrics"
	"geollama/model"
)

// Extractor wraps the toponym model and turns its output into ordered,
// non-overlapping spans of the source text.
type Extractor struct {
	model   *model.TaskModel
	bus     *events.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewExtractor builds an Extractor around a prompted toponym model.
func NewExtractor(tm *model.TaskModel, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Extractor {
	return &Extractor{model: tm, bus: bus, metrics: m, log: log}
}

// toponymRecord accepts both shapes models emit: a bare surface string, or
// an object with the word and optional character offsets.
type toponymRecord struct {
	Word  string
	Start *int
	End   *int
}

func (r *toponymRecord) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.Word = s
		return nil
	}
	var obj struct {
		Word  string `json:"word"`
		Name  string `json:"name"`
		Start *int   `json:"start"`
		End   *int   `json:"end"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Word = obj.Word
	if r.Word == "" {
		r.Word = obj.Name
	}
	r.Start = obj.Start
	r.End = obj.End
	return nil
}

// toponymEnvelope tolerates both the {"toponyms": [...]} object the task
// instruction asks for and a bare list.
type toponymEnvelope struct {
	Toponyms []toponymRecord
}

func (e *toponymEnvelope) UnmarshalJSON(b []byte) error {
	var obj struct {
		Toponyms []toponymRecord `json:"toponyms"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		e.Toponyms = obj.Toponyms
		return nil
	}
	var list []toponymRecord
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	e.Toponyms = list
	return nil
}

// Extract returns the toponym spans found in text, ordered left to right.
// An empty result is a valid outcome; a model that never produces parseable
// output is reported as an error after the retry bound.
func (e *Extractor) Extract(ctx context.Context, text string) ([]Toponym, []Warning, error) {
	input, err := e.model.Task().Input(map[string]string{"text": text})
	if err != nil {
		return nil, nil, err
	}
	var envelope toponymEnvelope
	if err := e.model.Run(ctx, input, &envelope, nil); err != nil {
		return nil, nil, err
	}

	var (
		toponyms []Toponym
		warnings []Warning
		used     []Toponym
	)
	for _, rec := range envelope.Toponyms {
		word := strings.TrimSpace(rec.Word)
		if word == "" {
			continue
		}
		span, ok := e.locate(text, word, rec, used)
		if !ok {
			e.metrics.DroppedSpan()
			w := Warning{Toponym: word, Kind: events.KindUnresolvedSpan, Detail: "extracted word not found in source text"}
			warnings = append(warnings, w)
			e.bus.Publish(events.Event{Kind: events.KindUnresolvedSpan, Toponym: word})
			e.log.Debug().Str("word", word).Msg("dropping unresolved toponym span")
			continue
		}
		used = append(used, span)
		toponyms = append(toponyms, span)
	}
	sortBySpan(toponyms)
	e.metrics.ToponymsFound(len(toponyms))
	return toponyms, warnings, nil
}

// locate picks the span for word: trusted offsets when they slice to the
// word, otherwise the first occurrence (left to right) that does not overlap
// an already-claimed span.
func (e *Extractor) locate(text, word string, rec toponymRecord, used []Toponym) (Toponym, bool) {
	if rec.Start != nil && rec.End != nil {
		start, end := *rec.Start, *rec.End
		if start >= 0 && start < end && end <= len(text) && text[start:end] == word && !overlapsAny(start, end, used) {
			return Toponym{Text: word, Start: start, End: end}, true
		}
		// Offsets the model invented are ignored; fall through to scanning.
	}
	from := 0
	for from <= len(text)-len(word) {
		idx := strings.Index(text[from:], word)
		if idx < 0 {
			break
		}
		start := from + idx
		end := start + len(word)
		if !overlapsAny(start, end, used) {
			return Toponym{Text: word, Start: start, End: end}, true
		}
		from = start + 1
	}
	return Toponym{}, false
}

func overlapsAny(start, end int, used []Toponym) bool {
	for _, u := range used {
		if start < u.End && u.Start < end {
			return true
		}
	}
	return false
}

func sortBySpan(toponyms []Toponym) {
	// Extraction order usually already matches text order; an insertion sort
	// keeps the guarantee when the model lists words out of order.
	for i := 1; i < len(toponyms); i++ {
		for j := i; j > 0 && toponyms[j].Start < toponyms[j-1].Start; j-- {
			toponyms[j], toponyms[j-1] = toponyms[j-1], toponyms[j]
		}
	}
}

// extractionError wraps a terminal extraction failure with the sentinel the
// pipeline reports.
func extractionError(err error) error {
	return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
}
