// Package model wraps language-model inference behind a small Generator
// interface and layers the prompted-task plumbing (render, generate, parse,
// regenerate) on top of it. The toponym and disambiguation models differ only
// in task configuration, so there is a single generic task wrapper rather
// than one type per model.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Generator produces raw text for a fully rendered prompt. Implementations
// must be safe for concurrent callers; large local models typically support a
// single in-flight generation, so implementations serialize internally.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// EchoesPrompt reports whether generated text includes the prompt. When
	// true the response token is guaranteed to appear in the output; when
	// false the output is continuation-only and the anchor may be absent.
	EchoesPrompt() bool
}

// HTTPConfig configures an OpenAI-compatible completions endpoint.
type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// Echo asks the server to include the prompt in the returned text, which
	// keeps the response-token anchoring identical to local inference.
	Echo bool
}

// HTTPGenerator calls a /v1/completions endpoint. Generation calls are
// serialized with a mutex: the backing model owns one device and is not
// assumed re-entrant.
type HTTPGenerator struct {
	cfg   HTTPConfig
	httpc *http.Client
	mu    sync.Mutex
}

// NewHTTPGenerator validates the endpoint configuration.
func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("model: base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("model: model name is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPGenerator{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (g *HTTPGenerator) EchoesPrompt() bool { return g.cfg.Echo }

// Generate renders one completion for prompt.
func (g *HTTPGenerator) Generate(ctx context.Context, promptText string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	payload := map[string]any{
		"model":       g.cfg.Model,
		"prompt":      promptText,
		"max_tokens":  g.cfg.MaxTokens,
		"temperature": g.cfg.Temperature,
		"echo":        g.cfg.Echo,
	}
	buf, _ := json.Marshal(payload)
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/v1/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(g.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("model status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var wrapper struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", err
	}
	if len(wrapper.Choices) == 0 {
		return "", errors.New("empty model response")
	}
	return wrapper.Choices[0].Text, nil
}
