// Package geoparse orchestrates the toponym-resolution pipeline: extract
// toponym spans from a text, look up gazetteer candidates for each span, and
// disambiguate every mention to a single coordinate. Each text is processed
// independently; no state crosses calls.
package geoparse

import (
	"errors"
	"fmt"

	"geollama/events"
)

// Toponym is a contiguous span of the source text believed to name a place.
// Spans within one extraction result never overlap. Immutable once created.
type Toponym struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ResolvedLocation is the pipeline's terminal output for one toponym mention.
// RAGEstimated=false means the coordinate was copied verbatim from a
// gazetteer candidate; true means the model produced a free estimate because
// no candidate was judged acceptable (including the zero-candidate case).
type ResolvedLocation struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RAGEstimated bool    `json:"RAG_estimated"`
	Toponym      Toponym `json:"toponym"`
}

// Warning records a degradation the pipeline tolerated while producing the
// result: a dropped span, an unreachable gazetteer, a forced estimate. The
// batch never fails silently; every warning is also published on the event
// bus when one is configured.
type Warning struct {
	Toponym string      `json:"toponym"`
	Kind    events.Kind `json:"kind"`
	Detail  string      `json:"detail"`
}

// Result is the outcome of one geoparse call. Locations are ordered by the
// toponym's appearance in the text.
type Result struct {
	Locations []ResolvedLocation `json:"locations"`
	Warnings  []Warning          `json:"warnings,omitempty"`
}

// ErrExtractionFailed means toponym extraction never produced parseable
// output after retries. It is fatal for the text, and only for the text.
var ErrExtractionFailed = errors.New("toponym extraction failed")

func validCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	return nil
}
