package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"geollama/config"
	"geollama/events"
	"geollama/gazetteer"
	"geollama/geoparse"
	"geollama/metrics"
	"geollama/model"
	"geollama/prompt"
	"geollama/retry"
)

// app owns the long-lived pieces: the two generators, the gazetteer client
// with its optional cache, the diagnostics bus and the task holder. Task
// models are rebuilt per text from the holder so hot-reloaded prompt tuning
// applies between texts in a batch.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	holder  *config.TaskHolder
	policy  retry.Policy

	topoGen model.Generator
	ragGen  model.Generator
	gaz     *gazetteer.Client
	cache   *gazetteer.Cache
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		bus:     events.NewBus(),
		metrics: metrics.New(),
		holder:  config.NewTaskHolder(cfg.Tasks),
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		},
	}

	var err error
	a.topoGen, err = model.NewHTTPGenerator(model.HTTPConfig{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.ToponymModel,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout(),
		Echo:        cfg.Model.Echo,
	})
	if err != nil {
		return nil, fmt.Errorf("toponym model: %w", err)
	}
	a.ragGen, err = model.NewHTTPGenerator(model.HTTPConfig{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.RAGModel,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout(),
		Echo:        cfg.Model.Echo,
	})
	if err != nil {
		return nil, fmt.Errorf("rag model: %w", err)
	}

	gazOpts := []gazetteer.Option{
		gazetteer.WithMetrics(a.metrics),
		gazetteer.WithLogger(log),
	}
	if cfg.Gazetteer.CachePath != "" {
		cache, err := gazetteer.OpenCache(cfg.Gazetteer.CachePath, cfg.Gazetteer.CacheTTL())
		if err != nil {
			return nil, fmt.Errorf("gazetteer cache: %w", err)
		}
		a.cache = cache
		gazOpts = append(gazOpts, gazetteer.WithCache(cache))
	}
	a.gaz, err = gazetteer.New(gazetteer.Config{
		Source:           cfg.Gazetteer.Source,
		BaseURL:          cfg.Gazetteer.BaseURL,
		GeoNamesUsername: cfg.Gazetteer.GeoNamesUsername,
		UserAgent:        cfg.Gazetteer.UserAgent,
		MaxRows:          cfg.Gazetteer.MaxRows,
		Timeout:          cfg.Gazetteer.Timeout(),
		Retry:            a.policy,
	}, gazOpts...)
	if err != nil {
		return nil, fmt.Errorf("gazetteer: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
}

// logEvents drains the diagnostics bus into the structured log until ctx ends.
func (a *app) logEvents(ctx context.Context) {
	ch := a.bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				a.log.Debug().Str("kind", string(ev.Kind)).Str("toponym", ev.Toponym).Str("detail", ev.Detail).Msg("pipeline event")
			}
		}
	}()
}

// watchTasks enables hot reload of prompt templates for long runs.
func (a *app) watchTasks(ctx context.Context) {
	if err := config.WatchTasks(ctx, a.cfg.ConfigPath, a.holder, a.log); err != nil {
		a.log.Warn().Err(err).Msg("task config watch unavailable")
	}
}

func taskFromConfig(name string, tc config.TaskConfig) model.Task {
	return model.Task{
		Name:          name,
		Instruction:   tc.Instruction,
		InputTemplate: tc.InputTemplate,
		Prompt:        prompt.Template{Text: tc.PromptTemplate, ResponseToken: tc.ResponseToken},
		EOSToken:      tc.EOSToken,
	}
}

// pipeline assembles a Pipeline against the current task configuration.
func (a *app) pipeline() (*geoparse.Pipeline, error) {
	tasks := a.holder.Current()
	topoModel, err := model.NewTaskModel(taskFromConfig("toponym", tasks.Toponym), a.topoGen,
		model.WithRetry(a.policy), model.WithMetrics(a.metrics), model.WithBus(a.bus), model.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("toponym task: %w", err)
	}
	ragModel, err := model.NewTaskModel(taskFromConfig("rag", tasks.RAG), a.ragGen,
		model.WithRetry(a.policy), model.WithMetrics(a.metrics), model.WithBus(a.bus), model.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("rag task: %w", err)
	}
	opts := geoparse.Options{
		Concurrency:          a.cfg.Pipeline.Concurrency,
		ResolveDuplicates:    a.cfg.Pipeline.ResolveDuplicates,
		FallbackTopCandidate: a.cfg.Pipeline.FallbackTopCandidate,
	}
	ex := geoparse.NewExtractor(topoModel, a.bus, a.metrics, a.log)
	dis := geoparse.NewDisambiguator(ragModel, a.bus, a.metrics, a.log)
	return geoparse.New(ex, a.gaz, dis, opts, a.bus, a.metrics, a.log), nil
}

// Geoparse resolves one text with a pipeline built from the current tasks.
func (a *app) Geoparse(ctx context.Context, text string) (geoparse.Result, error) {
	p, err := a.pipeline()
	if err != nil {
		return geoparse.Result{}, err
	}
	return p.Geoparse(ctx, text)
}
