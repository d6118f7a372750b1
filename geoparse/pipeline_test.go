package geoparse

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"geollama/events"
	"geollama/gazetteer"
	"geollama/metrics"
	"geollama/model"
)

func newTestPipeline(t *testing.T, gen model.Generator, gaz Gazetteer, opts Options) *Pipeline {
	t.Helper()
	extractModel, err := model.NewTaskModel(toponymTask(), gen, model.WithRetry(fastPolicy()))
	require.NoError(t, err)
	ragModel, err := model.NewTaskModel(ragTask(), gen, model.WithRetry(fastPolicy()))
	require.NoError(t, err)
	bus := events.NewBus()
	m := metrics.New()
	log := zerolog.Nop()
	ex := NewExtractor(extractModel, bus, m, log)
	dis := NewDisambiguator(ragModel, bus, m, log)
	return New(ex, gaz, dis, opts, bus, m, log)
}

// routedModel answers the extraction prompt and the per-toponym RAG prompts
// for the two-Paris text.
func twoParisModel() promptFunc {
	return promptFunc(func(p string) string {
		switch {
		case strings.Contains(p, "Toponym: Paris, Texas"):
			return `{"name": "Paris", "latitude": 33.66, "longitude": -95.56, "RAG_estimated": false}`
		case strings.Contains(p, "Toponym: Paris"):
			return `{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`
		default:
			return `{"toponyms": ["Paris", "Paris, Texas"]}`
		}
	})
}

func twoParisGazetteer() *fakeGazetteer {
	return newFakeGazetteer(map[string][]gazetteer.Candidate{
		"Paris": {
			{Name: "Paris", Lat: 48.85, Lon: 2.35, DisplayName: "Paris, Ile-de-France, France"},
			{Name: "Paris", Lat: 33.66, Lon: -95.56, DisplayName: "Paris, Lamar County, Texas, United States"},
		},
		"Paris, Texas": {
			{Name: "Paris", Lat: 33.66, Lon: -95.56, DisplayName: "Paris, Lamar County, Texas, United States"},
		},
	})
}

func TestGeoparseTwoParises(t *testing.T) {
	p := newTestPipeline(t, twoParisModel(), twoParisGazetteer(), Options{})

	res, err := p.Geoparse(context.Background(), "Paris is warmer than Paris, Texas.")
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.Len(t, res.Locations, 2)

	france := res.Locations[0]
	require.Equal(t, 0, france.Toponym.Start)
	require.InDelta(t, 48.85, france.Latitude, 1e-9)
	require.InDelta(t, 2.35, france.Longitude, 1e-9)
	require.False(t, france.RAGEstimated)

	texas := res.Locations[1]
	require.Equal(t, "Paris, Texas", texas.Toponym.Text)
	require.InDelta(t, 33.66, texas.Latitude, 1e-9)
	require.InDelta(t, -95.56, texas.Longitude, 1e-9)
	require.False(t, texas.RAGEstimated)
}

func TestGeoparseZeroCandidatesStillResolves(t *testing.T) {
	gen := promptFunc(func(p string) string {
		if strings.Contains(p, "Toponym:") {
			return `{"name": "Shangri-La", "latitude": 28.2, "longitude": 99.7, "RAG_estimated": true}`
		}
		return `{"toponyms": ["Shangri-La"]}`
	})
	gaz := newFakeGazetteer(map[string][]gazetteer.Candidate{})
	p := newTestPipeline(t, gen, gaz, Options{})

	res, err := p.Geoparse(context.Background(), "The road to Shangri-La is long.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 1)
	loc := res.Locations[0]
	require.True(t, loc.RAGEstimated)
	require.NoError(t, validCoordinates(loc.Latitude, loc.Longitude))

	var sawEmpty bool
	for _, w := range res.Warnings {
		if w.Kind == events.KindEmptyCandidates {
			sawEmpty = true
		}
	}
	require.True(t, sawEmpty)
}

func TestGeoparseExtractionFailure(t *testing.T) {
	gen := promptFunc(func(string) string {
		return "I cannot help with that."
	})
	p := newTestPipeline(t, gen, twoParisGazetteer(), Options{})

	_, err := p.Geoparse(context.Background(), "Paris is nice.")
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestGeoparseNoToponyms(t *testing.T) {
	gen := promptFunc(func(string) string {
		return `{"toponyms": []}`
	})
	p := newTestPipeline(t, gen, twoParisGazetteer(), Options{})

	res, err := p.Geoparse(context.Background(), "Nothing geographic here.")
	require.NoError(t, err)
	require.Empty(t, res.Locations)
}

func TestGeoparseGazetteerOutageDegrades(t *testing.T) {
	gen := promptFunc(func(p string) string {
		if strings.Contains(p, "Toponym:") {
			return `{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": true}`
		}
		return `{"toponyms": ["Paris"]}`
	})
	gaz := twoParisGazetteer()
	gaz.err = gazetteer.ErrUnavailable
	p := newTestPipeline(t, gen, gaz, Options{})

	res, err := p.Geoparse(context.Background(), "Paris is nice.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 1)
	require.True(t, res.Locations[0].RAGEstimated)

	var sawOutage bool
	for _, w := range res.Warnings {
		if w.Kind == events.KindGazetteerUnavailable {
			sawOutage = true
		}
	}
	require.True(t, sawOutage)
}

func TestGeoparseFailureIsolation(t *testing.T) {
	// The Berlin RAG prompt never parses; Paris must still come through.
	gen := promptFunc(func(p string) string {
		switch {
		case strings.Contains(p, "Toponym: Berlin"):
			return "no json here"
		case strings.Contains(p, "Toponym: Paris"):
			return `{"name": "Paris", "latitude": 48.85, "longitude": 2.35, "RAG_estimated": false}`
		default:
			return `{"toponyms": ["Paris", "Berlin"]}`
		}
	})
	gaz := newFakeGazetteer(map[string][]gazetteer.Candidate{
		"Paris":  {{Name: "Paris", Lat: 48.85, Lon: 2.35}},
		"Berlin": {{Name: "Berlin", Lat: 52.52, Lon: 13.40}},
	})
	p := newTestPipeline(t, gen, gaz, Options{})

	res, err := p.Geoparse(context.Background(), "Paris and Berlin.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 1)
	require.Equal(t, "Paris", res.Locations[0].Toponym.Text)

	var sawFailed bool
	for _, w := range res.Warnings {
		if w.Kind == events.KindResolutionFailed && w.Toponym == "Berlin" {
			sawFailed = true
		}
	}
	require.True(t, sawFailed)
}

func TestGeoparseFallbackTopCandidate(t *testing.T) {
	gen := promptFunc(func(p string) string {
		if strings.Contains(p, "Toponym:") {
			return "no json here"
		}
		return `{"toponyms": ["Berlin"]}`
	})
	gaz := newFakeGazetteer(map[string][]gazetteer.Candidate{
		"Berlin": {{Name: "Berlin", Lat: 52.52, Lon: 13.40, DisplayName: "Berlin, Germany"}},
	})
	p := newTestPipeline(t, gen, gaz, Options{FallbackTopCandidate: true})

	res, err := p.Geoparse(context.Background(), "Berlin.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 1)
	require.InDelta(t, 52.52, res.Locations[0].Latitude, 1e-9)
	require.False(t, res.Locations[0].RAGEstimated)
}

func TestGeoparseDuplicatesShareLookup(t *testing.T) {
	gen := promptFunc(func(p string) string {
		if strings.Contains(p, "Toponym:") {
			return `{"name": "Boston", "latitude": 42.36, "longitude": -71.06, "RAG_estimated": false}`
		}
		return `{"toponyms": ["Boston", "Boston"]}`
	})
	gaz := newFakeGazetteer(map[string][]gazetteer.Candidate{
		"Boston": {{Name: "Boston", Lat: 42.36, Lon: -71.06}},
	})
	p := newTestPipeline(t, gen, gaz, Options{})

	res, err := p.Geoparse(context.Background(), "From Boston to Boston.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 2)
	require.Equal(t, 1, gaz.count("Boston"))
	require.Equal(t, 5, res.Locations[0].Toponym.Start)
	require.Equal(t, 15, res.Locations[1].Toponym.Start)
}

func TestGeoparseResolveDuplicatesIndependently(t *testing.T) {
	gen := promptFunc(func(p string) string {
		if strings.Contains(p, "Toponym:") {
			return `{"name": "Boston", "latitude": 42.36, "longitude": -71.06, "RAG_estimated": false}`
		}
		return `{"toponyms": ["Boston", "Boston"]}`
	})
	gaz := newFakeGazetteer(map[string][]gazetteer.Candidate{
		"Boston": {{Name: "Boston", Lat: 42.36, Lon: -71.06}},
	})
	p := newTestPipeline(t, gen, gaz, Options{ResolveDuplicates: true})

	res, err := p.Geoparse(context.Background(), "From Boston to Boston.")
	require.NoError(t, err)
	require.Len(t, res.Locations, 2)
	require.Equal(t, 2, gaz.count("Boston"))
}
