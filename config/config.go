package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from environment variables and
// an optional YAML/JSON config file. Environment variables win over the file,
// the file wins over defaults.
type Config struct {
	Model        ModelConfig
	Gazetteer    GazetteerConfig
	Pipeline     PipelineConfig
	Retry        RetryConfig
	Tasks        Tasks
	LogLevel     string
	StrictConfig bool
	ConfigPath   string
}

// ModelConfig points both task models at an OpenAI-compatible completion
// endpoint. The toponym and disambiguation models may be different fine-tunes
// served from the same base URL.
type ModelConfig struct {
	BaseURL      string  `json:"base_url" yaml:"base_url"`
	APIKey       string  `json:"api_key" yaml:"api_key"`
	ToponymModel string  `json:"toponym_model" yaml:"toponym_model"`
	RAGModel     string  `json:"rag_model" yaml:"rag_model"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec   int     `json:"timeout_sec" yaml:"timeout_sec"`
	Echo         bool    `json:"echo" yaml:"echo"`
}

// GazetteerConfig selects and tunes the candidate source.
type GazetteerConfig struct {
	Source           string `json:"source" yaml:"source"`
	BaseURL          string `json:"base_url" yaml:"base_url"`
	GeoNamesUsername string `json:"geonames_username" yaml:"geonames_username"`
	UserAgent        string `json:"user_agent" yaml:"user_agent"`
	MaxRows          int    `json:"max_rows" yaml:"max_rows"`
	TimeoutSec       int    `json:"timeout_sec" yaml:"timeout_sec"`
	CachePath        string `json:"cache_path" yaml:"cache_path"`
	CacheTTLHours    int    `json:"cache_ttl_hours" yaml:"cache_ttl_hours"`
}

// PipelineConfig covers per-text resolution behavior.
type PipelineConfig struct {
	Concurrency          int  `json:"concurrency" yaml:"concurrency"`
	ResolveDuplicates    bool `json:"resolve_duplicates" yaml:"resolve_duplicates"`
	FallbackTopCandidate bool `json:"fallback_top_candidate" yaml:"fallback_top_candidate"`
}

// RetryConfig bounds regeneration and lookup retries.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

type fileConfig struct {
	Model     ModelConfig     `json:"model" yaml:"model"`
	Gazetteer GazetteerConfig `json:"gazetteer" yaml:"gazetteer"`
	Pipeline  pipelineFile    `json:"pipeline" yaml:"pipeline"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Tasks     Tasks           `json:"tasks" yaml:"tasks"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

type pipelineFile struct {
	Concurrency          *int  `json:"concurrency" yaml:"concurrency"`
	ResolveDuplicates    *bool `json:"resolve_duplicates" yaml:"resolve_duplicates"`
	FallbackTopCandidate *bool `json:"fallback_top_candidate" yaml:"fallback_top_candidate"`
}

const (
	defaultModelBaseURL   = "http://localhost:8080"
	defaultToponymModel   = "geollama-7b-toponym"
	defaultRAGModel       = "geollama-7b-rag"
	defaultTemperature    = 0.15
	defaultMaxTokens      = 512
	defaultModelTimeout   = 120
	defaultConcurrency    = 4
	maxConcurrency        = 32
	defaultMaxAttempts    = 3
	defaultBaseDelayMs    = 500
	defaultMaxDelayMs     = 8000
	defaultGazTimeoutSec  = 10
	defaultCacheTTLHours  = 720
	defaultGazetteerRows  = 20
	defaultGazetteerAgent = "GeoLlama/1.0"
)

// Load reads configuration from the environment and the config file, applying
// defaults and clamping. With STRICT_CONFIG set, any load or validation
// problem is fatal; otherwise problems are logged and defaults used.
func Load() (Config, error) {
	cfg := Config{
		Model: ModelConfig{
			BaseURL:      defaultModelBaseURL,
			ToponymModel: defaultToponymModel,
			RAGModel:     defaultRAGModel,
			Temperature:  defaultTemperature,
			MaxTokens:    defaultMaxTokens,
			TimeoutSec:   defaultModelTimeout,
		},
		Gazetteer: GazetteerConfig{
			Source:        "nominatim",
			UserAgent:     defaultGazetteerAgent,
			MaxRows:       defaultGazetteerRows,
			TimeoutSec:    defaultGazTimeoutSec,
			CacheTTLHours: defaultCacheTTLHours,
		},
		Pipeline:     PipelineConfig{Concurrency: defaultConcurrency},
		Retry:        RetryConfig{MaxAttempts: defaultMaxAttempts, BaseDelayMs: defaultBaseDelayMs, MaxDelayMs: defaultMaxDelayMs},
		Tasks:        DefaultTasks(),
		LogLevel:     "info",
		StrictConfig: parseBoolEnv("STRICT_CONFIG"),
	}

	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil {
		if cfg.StrictConfig && !errors.Is(fileErr, os.ErrNotExist) {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		log.Warn().Str("path", cfg.ConfigPath).Err(fileErr).Msg("config file not loaded, using defaults")
	} else {
		applyFileConfig(&cfg, fileCfg)
	}

	cfg.Model.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("LLM_BASE_URL"), cfg.Model.BaseURL), "/")
	cfg.Model.APIKey = firstNonEmpty(os.Getenv("LLM_API_KEY"), cfg.Model.APIKey)
	cfg.Model.ToponymModel = firstNonEmpty(os.Getenv("TOPONYM_MODEL"), cfg.Model.ToponymModel)
	cfg.Model.RAGModel = firstNonEmpty(os.Getenv("RAG_MODEL"), cfg.Model.RAGModel)

	cfg.Gazetteer.Source = strings.ToLower(firstNonEmpty(os.Getenv("GAZETTEER_SOURCE"), cfg.Gazetteer.Source))
	cfg.Gazetteer.BaseURL = firstNonEmpty(os.Getenv("GAZETTEER_BASE_URL"), cfg.Gazetteer.BaseURL)
	cfg.Gazetteer.GeoNamesUsername = firstNonEmpty(os.Getenv("GEONAMES_USERNAME"), cfg.Gazetteer.GeoNamesUsername)
	cfg.Gazetteer.CachePath = firstNonEmpty(os.Getenv("GAZETTEER_CACHE_PATH"), cfg.Gazetteer.CachePath)
	cfg.LogLevel = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.LogLevel))

	if v, ok, err := parseIntEnv("WORKER_COUNT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid WORKER_COUNT: %w", err)
		}
		log.Warn().Err(err).Int("default", cfg.Pipeline.Concurrency).Msg("invalid WORKER_COUNT, using default")
	} else if ok && v > 0 {
		cfg.Pipeline.Concurrency = v
	}
	if cfg.Pipeline.Concurrency > maxConcurrency {
		log.Warn().Int("was", cfg.Pipeline.Concurrency).Int("max", maxConcurrency).Msg("worker count capped")
		cfg.Pipeline.Concurrency = maxConcurrency
	}
	if v := os.Getenv("RESOLVE_DUPLICATES"); strings.TrimSpace(v) != "" {
		cfg.Pipeline.ResolveDuplicates = parseBoolEnv("RESOLVE_DUPLICATES")
	}
	if v := os.Getenv("FALLBACK_TOP_CANDIDATE"); strings.TrimSpace(v) != "" {
		cfg.Pipeline.FallbackTopCandidate = parseBoolEnv("FALLBACK_TOP_CANDIDATE")
	}
	if v, ok, err := parseIntEnv("RETRY_MAX_ATTEMPTS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
		}
		log.Warn().Err(err).Msg("invalid RETRY_MAX_ATTEMPTS, using default")
	} else if ok && v > 0 {
		cfg.Retry.MaxAttempts = v
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Warn().Err(err).Msg("config validation failed, continuing")
	}
	return cfg, nil
}

// ModelTimeout returns the per-generation timeout as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// Timeout returns the per-lookup timeout as a duration.
func (g GazetteerConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSec) * time.Second
}

// CacheTTL returns the cache entry lifetime as a duration.
func (g GazetteerConfig) CacheTTL() time.Duration {
	return time.Duration(g.CacheTTLHours) * time.Hour
}

func applyFileConfig(cfg *Config, file fileConfig) {
	if strings.TrimSpace(file.Model.BaseURL) != "" {
		cfg.Model.BaseURL = file.Model.BaseURL
	}
	if strings.TrimSpace(file.Model.APIKey) != "" {
		cfg.Model.APIKey = file.Model.APIKey
	}
	if strings.TrimSpace(file.Model.ToponymModel) != "" {
		cfg.Model.ToponymModel = file.Model.ToponymModel
	}
	if strings.TrimSpace(file.Model.RAGModel) != "" {
		cfg.Model.RAGModel = file.Model.RAGModel
	}
	if file.Model.Temperature > 0 {
		cfg.Model.Temperature = file.Model.Temperature
	}
	if file.Model.MaxTokens > 0 {
		cfg.Model.MaxTokens = file.Model.MaxTokens
	}
	if file.Model.TimeoutSec > 0 {
		cfg.Model.TimeoutSec = file.Model.TimeoutSec
	}
	cfg.Model.Echo = cfg.Model.Echo || file.Model.Echo

	if strings.TrimSpace(file.Gazetteer.Source) != "" {
		cfg.Gazetteer.Source = file.Gazetteer.Source
	}
	if strings.TrimSpace(file.Gazetteer.BaseURL) != "" {
		cfg.Gazetteer.BaseURL = file.Gazetteer.BaseURL
	}
	if strings.TrimSpace(file.Gazetteer.GeoNamesUsername) != "" {
		cfg.Gazetteer.GeoNamesUsername = file.Gazetteer.GeoNamesUsername
	}
	if strings.TrimSpace(file.Gazetteer.UserAgent) != "" {
		cfg.Gazetteer.UserAgent = file.Gazetteer.UserAgent
	}
	if file.Gazetteer.MaxRows > 0 {
		cfg.Gazetteer.MaxRows = file.Gazetteer.MaxRows
	}
	if file.Gazetteer.TimeoutSec > 0 {
		cfg.Gazetteer.TimeoutSec = file.Gazetteer.TimeoutSec
	}
	if strings.TrimSpace(file.Gazetteer.CachePath) != "" {
		cfg.Gazetteer.CachePath = file.Gazetteer.CachePath
	}
	if file.Gazetteer.CacheTTLHours > 0 {
		cfg.Gazetteer.CacheTTLHours = file.Gazetteer.CacheTTLHours
	}

	if file.Pipeline.Concurrency != nil && *file.Pipeline.Concurrency > 0 {
		cfg.Pipeline.Concurrency = *file.Pipeline.Concurrency
	}
	if file.Pipeline.ResolveDuplicates != nil {
		cfg.Pipeline.ResolveDuplicates = *file.Pipeline.ResolveDuplicates
	}
	if file.Pipeline.FallbackTopCandidate != nil {
		cfg.Pipeline.FallbackTopCandidate = *file.Pipeline.FallbackTopCandidate
	}

	if file.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = file.Retry.MaxAttempts
	}
	if file.Retry.BaseDelayMs > 0 {
		cfg.Retry.BaseDelayMs = file.Retry.BaseDelayMs
	}
	if file.Retry.MaxDelayMs > 0 {
		cfg.Retry.MaxDelayMs = file.Retry.MaxDelayMs
	}

	cfg.Tasks = MergeTasks(cfg.Tasks, file.Tasks)
	if strings.TrimSpace(file.LogLevel) != "" {
		cfg.LogLevel = file.LogLevel
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		// JSON is a subset of YAML 1.2, so YAML handles both.
		err = yaml.Unmarshal(data, &cfg)
	}
	return cfg, err
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Model.BaseURL) == "" {
		return errors.New("model base URL is required")
	}
	switch cfg.Gazetteer.Source {
	case "nominatim":
	case "geonames":
		if strings.TrimSpace(cfg.Gazetteer.GeoNamesUsername) == "" {
			return errors.New("GEONAMES_USERNAME is required for the geonames source")
		}
	default:
		return fmt.Errorf("unknown gazetteer source %q", cfg.Gazetteer.Source)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("retry max attempts must be positive")
	}
	if err := cfg.Tasks.Validate(); err != nil {
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}
