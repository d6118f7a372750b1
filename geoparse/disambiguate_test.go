package geoparse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"geollama/events"
	"geollama/gazetteer"
)

var parisCandidates = []gazetteer.Candidate{
	{Name: "Paris", Lat: 48.85, Lon: 2.35, DisplayName: "Paris, Ile-de-France, France"},
	{Name: "Paris", Lat: 33.66, Lon: -95.56, DisplayName: "Paris, Lamar County, Texas, United States"},
}

func TestResolveCopiesCandidateCoordinates(t *testing.T) {
	d := newTestDisambiguator(promptFunc(func(string) string {
		return `{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`
	}))

	loc, warnings, err := d.Resolve(context.Background(), "Paris is lovely.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.False(t, loc.RAGEstimated)
	require.InDelta(t, 48.85, loc.Latitude, 1e-9)
}

func TestResolveZeroCandidatesAlwaysEstimated(t *testing.T) {
	// The model lies about provenance; the disambiguator must not believe it.
	d := newTestDisambiguator(promptFunc(func(string) string {
		return `{"name": "Xyzzyville", "latitude": 10.0, "longitude": 20.0, "RAG_estimated": false}`
	}))

	loc, warnings, err := d.Resolve(context.Background(), "Greetings from Xyzzyville.", Toponym{Text: "Xyzzyville", Start: 15, End: 25}, nil)
	require.NoError(t, err)
	require.True(t, loc.RAGEstimated)
	require.Len(t, warnings, 1)
	require.Equal(t, events.KindForcedEstimate, warnings[0].Kind)
}

func TestResolveForcesEstimateForUnmatchedCoordinate(t *testing.T) {
	d := newTestDisambiguator(promptFunc(func(string) string {
		return `{"name": "Paris", "latitude": 44.0, "longitude": 3.0, "RAG_estimated": false}`
	}))

	loc, warnings, err := d.Resolve(context.Background(), "Paris.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.True(t, loc.RAGEstimated)
	require.NotEmpty(t, warnings)
}

func TestResolveToleranceMatch(t *testing.T) {
	// Slightly off coordinates still count as copied from the candidate.
	d := newTestDisambiguator(promptFunc(func(string) string {
		return `{"name": "Paris", "latitude": 48.8504, "longitude": 2.3496, "RAG_estimated": true}`
	}))

	loc, _, err := d.Resolve(context.Background(), "Paris.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.False(t, loc.RAGEstimated)
}

func TestResolveRetriesOutOfRangeCoordinates(t *testing.T) {
	gen := &scripted{outputs: []string{
		`{"name": "Paris", "latitude": 480.85, "longitude": 2.35, "RAG_estimated": false}`,
		`{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`,
	}}
	d := newTestDisambiguator(gen)

	loc, _, err := d.Resolve(context.Background(), "Paris.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.Equal(t, 2, gen.calls)
	require.InDelta(t, 48.85, loc.Latitude, 1e-9)
}

func TestResolveEmbedsCandidatesInPrompt(t *testing.T) {
	var sawPrompt string
	d := newTestDisambiguator(promptFunc(func(p string) string {
		sawPrompt = p
		return `{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`
	}))

	_, _, err := d.Resolve(context.Background(), "Paris is lovely.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.True(t, strings.Contains(sawPrompt, "Paris is lovely."))
	require.True(t, strings.Contains(sawPrompt, "Lamar County"))
}

func TestResolveFallsBackToToponymName(t *testing.T) {
	d := newTestDisambiguator(promptFunc(func(string) string {
		return `{"latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`
	}))

	loc, _, err := d.Resolve(context.Background(), "Paris.", Toponym{Text: "Paris", Start: 0, End: 5}, parisCandidates)
	require.NoError(t, err)
	require.Equal(t, "Paris", loc.Name)
}
