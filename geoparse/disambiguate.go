package geoparse

import (
	"context"
	"encoding/json"
	"math"

	"github.com/rs/zerolog"

	"geollama/events"
	"geollama/gazetteer"
	"geollama/metrics"
	"geollama/model"
)

// coordTolerance is the maximum per-axis difference, in degrees, for a
// returned coordinate to count as copied from a gazetteer candidate.
const coordTolerance = 0.001

// Disambiguator wraps the RAG model: given a toponym, its surrounding text
// and the gazetteer candidates, it selects the best-matching coordinate or
// falls back to a free estimate.
type Disambiguator struct {
	model     *model.TaskModel
	tolerance float64
	bus       *events.Bus
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewDisambiguator builds a Disambiguator around a prompted RAG model.
func NewDisambiguator(tm *model.TaskModel, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Disambiguator {
	return &Disambiguator{model: tm, tolerance: coordTolerance, bus: bus, metrics: m, log: log}
}

// ragRecord mirrors the JSON object the disambiguation model is instructed
// to produce.
type ragRecord struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RAGEstimated bool    `json:"RAG_estimated"`
}

// candidateSummary is the serialized form embedded in the RAG prompt; raw
// upstream attributes stay out of the context window.
type candidateSummary struct {
	Name        string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DisplayName string  `json:"address"`
}

// Resolve picks the location for toponym given its candidates. The model is
// invoked even with zero candidates, in which case the result is always a
// free estimate. The RAG_estimated flag is recomputed from the actual
// candidate set rather than trusted: a model claiming gazetteer provenance
// for a coordinate no candidate carries is overridden.
func (d *Disambiguator) Resolve(ctx context.Context, text string, toponym Toponym, cands []gazetteer.Candidate) (ResolvedLocation, []Warning, error) {
	summaries := make([]candidateSummary, 0, len(cands))
	for _, c := range cands {
		summaries = append(summaries, candidateSummary{Name: c.Name, Lat: c.Lat, Lon: c.Lon, DisplayName: c.DisplayName})
	}
	matchesJSON, err := json.Marshal(summaries)
	if err != nil {
		return ResolvedLocation{}, nil, err
	}
	input, err := d.model.Task().Input(map[string]string{
		"text":    text,
		"toponym": toponym.Text,
		"matches": string(matchesJSON),
	})
	if err != nil {
		return ResolvedLocation{}, nil, err
	}

	var rec ragRecord
	if err := d.model.Run(ctx, input, &rec, func() error {
		return validCoordinates(rec.Latitude, rec.Longitude)
	}); err != nil {
		return ResolvedLocation{}, nil, err
	}

	var warnings []Warning
	matched := d.matchesCandidate(rec.Latitude, rec.Longitude, cands)
	if !matched && !rec.RAGEstimated {
		w := Warning{Toponym: toponym.Text, Kind: events.KindForcedEstimate, Detail: "returned coordinate matches no gazetteer candidate"}
		warnings = append(warnings, w)
		d.bus.Publish(events.Event{Kind: events.KindForcedEstimate, Toponym: toponym.Text})
		d.log.Debug().Str("toponym", toponym.Text).Msg("overriding model-reported gazetteer provenance")
	}
	rec.RAGEstimated = !matched
	if rec.RAGEstimated {
		d.metrics.RAGEstimate()
	}

	name := rec.Name
	if name == "" {
		name = toponym.Text
	}
	return ResolvedLocation{
		Name:         name,
		Latitude:     rec.Latitude,
		Longitude:    rec.Longitude,
		RAGEstimated: rec.RAGEstimated,
		Toponym:      toponym,
	}, warnings, nil
}

func (d *Disambiguator) matchesCandidate(lat, lon float64, cands []gazetteer.Candidate) bool {
	for _, c := range cands {
		if math.Abs(c.Lat-lat) <= d.tolerance && math.Abs(c.Lon-lon) <= d.tolerance {
			return true
		}
	}
	return false
}
