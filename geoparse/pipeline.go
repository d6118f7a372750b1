package geoparse

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"geollama/events"
	"geollama/gazetteer"
	"geollama/metrics"
)

// Gazetteer is the candidate-retrieval dependency of the pipeline.
// *gazetteer.Client satisfies it.
type Gazetteer interface {
	Lookup(ctx context.Context, query string) ([]gazetteer.Candidate, error)
}

// Options control pipeline behavior that spec'd policy leaves open.
type Options struct {
	// Concurrency bounds the per-toponym worker pool within one geoparse
	// call. Zero means the default of 4.
	Concurrency int
	// ResolveDuplicates resolves every mention of a repeated surface string
	// independently. When false (the default), duplicates share one gazetteer
	// lookup and one disambiguation, and the shared result is emitted for
	// each mention.
	ResolveDuplicates bool
	// FallbackTopCandidate emits the top-ranked gazetteer candidate when
	// disambiguation exhausts its retries and at least one candidate exists.
	// When false the toponym is omitted and a warning recorded instead.
	FallbackTopCandidate bool
}

const defaultConcurrency = 4

// Pipeline ties extraction, lookup and disambiguation together for one text
// at a time. Safe for concurrent calls; the model wrappers serialize their
// own generation.
type Pipeline struct {
	extractor *Extractor
	gaz       Gazetteer
	dis       *Disambiguator
	opts      Options
	bus       *events.Bus
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New assembles a Pipeline. The gazetteer and the two model wrappers are
// injected, externally owned resources; the pipeline never constructs or
// reloads them.
func New(extractor *Extractor, gaz Gazetteer, dis *Disambiguator, opts Options, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Pipeline{extractor: extractor, gaz: gaz, dis: dis, opts: opts, bus: bus, metrics: m, log: log}
}

// Geoparse resolves every toponym mentioned in text. Output order matches
// the order of appearance in the text. A failure local to one toponym never
// aborts the others; only a terminal extraction failure fails the call.
func (p *Pipeline) Geoparse(ctx context.Context, text string) (Result, error) {
	toponyms, extractWarnings, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return Result{}, extractionError(err)
	}
	p.metrics.TextProcessed()
	if len(toponyms) == 0 {
		return Result{Warnings: extractWarnings}, nil
	}

	results := make([]*ResolvedLocation, len(toponyms))
	warnLists := make([][]Warning, len(toponyms))
	groups := p.groupMentions(toponyms)

	workCh := make(chan []int)
	var wg sync.WaitGroup
	workers := p.opts.Concurrency
	if workers > len(groups) {
		workers = len(groups)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range workCh {
				p.resolveGroup(ctx, text, toponyms, group, results, warnLists)
			}
		}()
	}
	for _, group := range groups {
		select {
		case workCh <- group:
		case <-ctx.Done():
		}
	}
	close(workCh)
	wg.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	out := Result{Warnings: extractWarnings}
	for i, loc := range results {
		out.Warnings = append(out.Warnings, warnLists[i]...)
		if loc != nil {
			out.Locations = append(out.Locations, *loc)
		}
	}
	return out, nil
}

// groupMentions buckets mention indices that share a resolution. With
// ResolveDuplicates set, every mention is its own group.
func (p *Pipeline) groupMentions(toponyms []Toponym) [][]int {
	if p.opts.ResolveDuplicates {
		groups := make([][]int, len(toponyms))
		for i := range toponyms {
			groups[i] = []int{i}
		}
		return groups
	}
	index := make(map[string]int)
	var groups [][]int
	for i, t := range toponyms {
		if gi, ok := index[t.Text]; ok {
			groups[gi] = append(groups[gi], i)
			continue
		}
		index[t.Text] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}

// resolveGroup performs lookup + disambiguation for one group of mentions
// sharing a surface string. Degradations are recorded against the group's
// first mention.
func (p *Pipeline) resolveGroup(ctx context.Context, text string, toponyms []Toponym, group []int, results []*ResolvedLocation, warnLists [][]Warning) {
	primary := group[0]
	top := toponyms[primary]
	var warnings []Warning

	cands, err := p.gaz.Lookup(ctx, top.Text)
	if err != nil {
		// Retries already exhausted inside the client; degrade to zero
		// candidates so the model can still produce a free estimate.
		warnings = append(warnings, Warning{Toponym: top.Text, Kind: events.KindGazetteerUnavailable, Detail: err.Error()})
		p.bus.Publish(events.Event{Kind: events.KindGazetteerUnavailable, Toponym: top.Text, Detail: err.Error()})
		p.log.Warn().Str("toponym", top.Text).Err(err).Msg("gazetteer unavailable, resolving without candidates")
		cands = nil
	}
	if len(cands) == 0 {
		warnings = append(warnings, Warning{Toponym: top.Text, Kind: events.KindEmptyCandidates, Detail: "no gazetteer candidates"})
		p.bus.Publish(events.Event{Kind: events.KindEmptyCandidates, Toponym: top.Text})
	}

	loc, resolveWarnings, err := p.dis.Resolve(ctx, text, top, cands)
	warnings = append(warnings, resolveWarnings...)
	if err != nil {
		if p.opts.FallbackTopCandidate && len(cands) > 0 {
			first := cands[0]
			warnings = append(warnings, Warning{Toponym: top.Text, Kind: events.KindResolutionFailed, Detail: "disambiguation failed, using top-ranked candidate"})
			p.bus.Publish(events.Event{Kind: events.KindResolutionFailed, Toponym: top.Text, Detail: "fallback to top candidate"})
			loc = ResolvedLocation{Name: first.Name, Latitude: first.Lat, Longitude: first.Lon, RAGEstimated: false, Toponym: top}
		} else {
			warnings = append(warnings, Warning{Toponym: top.Text, Kind: events.KindResolutionFailed, Detail: "disambiguation failed, toponym omitted"})
			p.bus.Publish(events.Event{Kind: events.KindResolutionFailed, Toponym: top.Text, Detail: err.Error()})
			p.log.Warn().Str("toponym", top.Text).Err(err).Msg("disambiguation exhausted retries, omitting toponym")
			warnLists[primary] = warnings
			return
		}
	}

	for _, idx := range group {
		mention := loc
		mention.Toponym = toponyms[idx]
		results[idx] = &mention
		p.metrics.ToponymResolved()
	}
	warnLists[primary] = warnings
}
