package model

import (
	"context"
	"errors"
	"reflect"

	"github.com/rs/zerolog"

	"geollama/events"
	"geollama/metrics"
	"geollama/parse"
	"geollama/prompt"
	"geollama/retry"
)

// Task is the read-only configuration of one prompted model: instruction
// text, an optional input template, the shared prompt template and the
// response-token anchor. Loaded once, never mutated.
type Task struct {
	Name          string
	Instruction   string
	InputTemplate string
	Prompt        prompt.Template
	EOSToken      string
}

// Input renders the task input. Tasks without an input template take the
// text field verbatim, as the toponym task does.
func (t Task) Input(vars map[string]string) (string, error) {
	if t.InputTemplate == "" {
		return vars["text"], nil
	}
	return prompt.Fill(t.InputTemplate, vars)
}

// TaskModel binds a Generator to a Task and handles the regenerate-on-bad-
// output loop: prompts are rendered once, but generation and parsing repeat
// up to the retry bound when output fails to parse or validate.
type TaskModel struct {
	task    Task
	gen     Generator
	policy  retry.Policy
	metrics *metrics.Metrics
	bus     *events.Bus
	log     zerolog.Logger
}

// TaskOption customizes a TaskModel.
type TaskOption func(*TaskModel)

func WithMetrics(m *metrics.Metrics) TaskOption { return func(tm *TaskModel) { tm.metrics = m } }
func WithBus(b *events.Bus) TaskOption          { return func(tm *TaskModel) { tm.bus = b } }
func WithLogger(l zerolog.Logger) TaskOption    { return func(tm *TaskModel) { tm.log = l } }
func WithRetry(p retry.Policy) TaskOption       { return func(tm *TaskModel) { tm.policy = p } }

// NewTaskModel validates the task's prompt template up front: a broken
// template is a configuration bug, not something to discover mid-batch.
func NewTaskModel(task Task, gen Generator, opts ...TaskOption) (*TaskModel, error) {
	if err := task.Prompt.Validate(); err != nil {
		return nil, err
	}
	tm := &TaskModel{task: task, gen: gen, policy: retry.Default, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(tm)
	}
	return tm, nil
}

// Task returns the task configuration.
func (tm *TaskModel) Task() Task { return tm.task }

// Run renders the prompt for input, invokes the generator and parses the
// response into out, regenerating on parse failure up to the retry bound.
// An optional validate callback rejects structurally valid but semantically
// bad records (e.g. out-of-range coordinates), which also triggers
// regeneration.
func (tm *TaskModel) Run(ctx context.Context, input string, out any, validate func() error) error {
	promptText, err := tm.task.Prompt.Build(tm.task.Instruction, input)
	if err != nil {
		return err
	}
	opts := parse.Options{
		ResponseToken: tm.task.Prompt.ResponseToken,
		EOSToken:      tm.task.EOSToken,
		TokenOptional: !tm.gen.EchoesPrompt(),
	}
	attempt := 0
	return tm.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			tm.metrics.ParseRetry()
			tm.bus.Publish(events.Event{Kind: events.KindParseRetry, Detail: tm.task.Name})
		}
		raw, err := tm.gen.Generate(ctx, promptText)
		if err != nil {
			return err
		}
		// Unmarshal only sets fields present in the response, so the record
		// must be zeroed or a rejected attempt's fields would merge into the
		// next attempt's partial output.
		resetValue(out)
		if err := parse.Extract(raw, opts, out); err != nil {
			tm.log.Debug().Str("task", tm.task.Name).Err(err).Msg("model output failed to parse")
			return err
		}
		if validate != nil {
			if err := validate(); err != nil {
				tm.log.Debug().Str("task", tm.task.Name).Err(err).Msg("model output failed validation")
				return err
			}
		}
		return nil
	})
}

func resetValue(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().SetZero()
	}
}

// IsParseFailure reports whether err came from response parsing rather than
// transport or validation.
func IsParseFailure(err error) bool {
	var perr *parse.ParseError
	return errors.Is(err, parse.ErrEmptyResponse) || errors.As(err, &perr)
}
