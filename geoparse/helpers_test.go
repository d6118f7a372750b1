package geoparse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geollama/events"
	"geollama/gazetteer"
	"geollama/metrics"
	"geollama/model"
	"geollama/prompt"
	"geollama/retry"
)

const testPromptTemplate = "### Instruction:\n{instruction}\n\n### Input:\n{input}\n\n### Response:\n{response}"

func toponymTask() model.Task {
	return model.Task{
		Name:        "toponym",
		Instruction: "Extract all place names mentioned in the text.",
		Prompt:      prompt.Template{Text: testPromptTemplate, ResponseToken: "### Response:"},
		EOSToken:    "</s>",
	}
}

func ragTask() model.Task {
	return model.Task{
		Name:          "rag",
		Instruction:   "Select the best matching location for the toponym.",
		InputTemplate: "Text: {text}\nToponym: {toponym}\nMatches: {matches}",
		Prompt:        prompt.Template{Text: testPromptTemplate, ResponseToken: "### Response:"},
		EOSToken:      "</s>",
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

// promptFunc fakes a model: the reply depends only on the rendered prompt.
// Safe for the pipeline's concurrent disambiguation calls.
type promptFunc func(promptText string) string

func (f promptFunc) Generate(ctx context.Context, promptText string) (string, error) {
	return "### Response:\n" + f(promptText) + "</s>", nil
}

func (f promptFunc) EchoesPrompt() bool { return true }

// scripted replays canned outputs in order.
type scripted struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (s *scripted) Generate(ctx context.Context, promptText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[s.calls%len(s.outputs)]
	s.calls++
	return "### Response:\n" + out + "</s>", nil
}

func (s *scripted) EchoesPrompt() bool { return true }

// fakeGazetteer serves canned candidates and counts lookups per query.
type fakeGazetteer struct {
	mu      sync.Mutex
	data    map[string][]gazetteer.Candidate
	err     error
	lookups map[string]int
}

func newFakeGazetteer(data map[string][]gazetteer.Candidate) *fakeGazetteer {
	return &fakeGazetteer{data: data, lookups: make(map[string]int)}
}

func (f *fakeGazetteer) Lookup(ctx context.Context, query string) ([]gazetteer.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[query]++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[query], nil
}

func (f *fakeGazetteer) count(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[query]
}

func newTestExtractor(gen model.Generator) *Extractor {
	tm, err := model.NewTaskModel(toponymTask(), gen, model.WithRetry(fastPolicy()))
	if err != nil {
		panic(err)
	}
	return NewExtractor(tm, events.NewBus(), metrics.New(), zerolog.Nop())
}

func newTestDisambiguator(gen model.Generator) *Disambiguator {
	tm, err := model.NewTaskModel(ragTask(), gen, model.WithRetry(fastPolicy()))
	if err != nil {
		panic(err)
	}
	return NewDisambiguator(tm, events.NewBus(), metrics.New(), zerolog.Nop())
}
