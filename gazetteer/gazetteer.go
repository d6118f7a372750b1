// Package gazetteer queries an external place-name search service for
// candidate locations matching a surface string. Nominatim is the default
// source; GeoNames is available for accounts with a username. Transient
// upstream failures are retried with backoff, and exhaustion degrades to an
// empty candidate list: a place the gazetteer has never heard of is an
// expected outcome, not an error state.
package gazetteer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"geollama/metrics"
	"geollama/retry"
)

// ErrUnavailable reports that every retry against the upstream service
// failed. Callers treat it as zero candidates after recording the degradation.
var ErrUnavailable = errors.New("gazetteer unavailable")

// Candidate is one gazetteer match, normalized across sources. Ordering from
// the upstream service is preserved but not otherwise trusted.
type Candidate struct {
	Name        string         `json:"name"`
	Lat         float64        `json:"lat"`
	Lon         float64        `json:"lon"`
	DisplayName string         `json:"display_name"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Source identifiers.
const (
	SourceNominatim = "nominatim"
	SourceGeoNames  = "geonames"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultGeoNamesURL  = "http://api.geonames.org"
	defaultUserAgent    = "GeoLlama/1.0"
	defaultMaxRows      = 20
	defaultTimeout      = 10 * time.Second
)

// Config selects the upstream source and its query parameters.
type Config struct {
	Source           string
	BaseURL          string
	GeoNamesUsername string
	UserAgent        string
	MaxRows          int
	Timeout          time.Duration
	Retry            retry.Policy
}

// Client performs place-name lookups. It holds no per-query state and is safe
// for concurrent use.
type Client struct {
	cfg     Config
	httpc   *http.Client
	cache   *Cache
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithCache consults and populates a persistent query cache around lookups.
func WithCache(c *Cache) Option { return func(cl *Client) { cl.cache = c } }

// WithMetrics records hit/miss/error counters.
func WithMetrics(m *metrics.Metrics) Option { return func(cl *Client) { cl.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option { return func(cl *Client) { cl.log = l } }

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(cl *Client) { cl.httpc = h } }

// New builds a Client, validating source-specific requirements.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Source == "" {
		cfg.Source = SourceNominatim
	}
	switch cfg.Source {
	case SourceNominatim:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultNominatimURL
		}
	case SourceGeoNames:
		if strings.TrimSpace(cfg.GeoNamesUsername) == "" {
			return nil, errors.New("gazetteer: GeoNames source requires a username")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultGeoNamesURL
		}
	default:
		return nil, fmt.Errorf("gazetteer: unknown source %q", cfg.Source)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default
	}
	c := &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup returns the candidates matching query, in upstream order. When every
// retry fails it returns ([], ErrUnavailable); an empty result with a nil
// error means the service answered and knows no such place.
func (c *Client) Lookup(ctx context.Context, query string) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, c.cfg.Source, query); ok {
			c.metrics.CacheHit()
			return cached, nil
		}
	}

	var out []Candidate
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		cands, err := c.fetch(ctx, query)
		if err != nil {
			return err
		}
		out = cands
		return nil
	})
	if err != nil {
		c.metrics.GazetteerError()
		c.log.Warn().Str("query", query).Err(err).Msg("gazetteer lookup exhausted retries")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out) == 0 {
		c.metrics.GazetteerMiss()
	} else {
		c.metrics.GazetteerHit()
	}
	if c.cache != nil {
		if err := c.cache.Put(ctx, c.cfg.Source, query, out); err != nil {
			c.log.Warn().Str("query", query).Err(err).Msg("gazetteer cache write failed")
		}
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, query string) ([]Candidate, error) {
	var endpoint string
	switch c.cfg.Source {
	case SourceGeoNames:
		form := url.Values{}
		form.Set("q", query)
		form.Set("username", c.cfg.GeoNamesUsername)
		form.Set("orderby", "relevance")
		form.Set("maxRows", strconv.Itoa(c.cfg.MaxRows))
		endpoint = strings.TrimRight(c.cfg.BaseURL, "/") + "/searchJSON?" + form.Encode()
	default:
		form := url.Values{}
		form.Set("q", query)
		form.Set("format", "json")
		form.Set("accept-language", "en")
		form.Set("limit", strconv.Itoa(c.cfg.MaxRows))
		endpoint = strings.TrimRight(c.cfg.BaseURL, "/") + "/search?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Network and timeout failures are retryable.
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("gazetteer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retryableStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	switch c.cfg.Source {
	case SourceGeoNames:
		return decodeGeoNames(resp.Body)
	default:
		return decodeNominatim(resp.Body)
	}
}

// retryableStatus treats rate limits and server errors as transient;
// anything else in 4xx is a malformed request and retrying cannot help.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func decodeNominatim(r io.Reader) ([]Candidate, error) {
	var rows []map[string]any
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decoding nominatim response: %w", err))
	}
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		lat, latOK := coordinate(row["lat"])
		lon, lonOK := coordinate(row["lon"])
		if !latOK || !lonOK {
			continue
		}
		cand := Candidate{
			Name:        stringField(row, "name"),
			Lat:         lat,
			Lon:         lon,
			DisplayName: stringField(row, "display_name"),
			Raw:         row,
		}
		if cand.Name == "" {
			cand.Name = firstSegment(cand.DisplayName)
		}
		out = append(out, cand)
	}
	return out, nil
}

func decodeGeoNames(r io.Reader) ([]Candidate, error) {
	var wrapper struct {
		GeoNames []map[string]any `json:"geonames"`
	}
	if err := json.NewDecoder(r).Decode(&wrapper); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decoding geonames response: %w", err))
	}
	out := make([]Candidate, 0, len(wrapper.GeoNames))
	for _, row := range wrapper.GeoNames {
		lat, latOK := coordinate(row["lat"])
		lon, lonOK := coordinate(row["lng"])
		if !latOK || !lonOK {
			continue
		}
		name := stringField(row, "name")
		parts := []string{name, stringField(row, "adminName1"), stringField(row, "countryName")}
		out = append(out, Candidate{
			Name:        name,
			Lat:         lat,
			Lon:         lon,
			DisplayName: strings.Join(nonEmpty(parts), ", "),
			Raw:         row,
		})
	}
	return out, nil
}

// coordinate accepts the string coordinates Nominatim emits as well as plain
// numbers.
func coordinate(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringField(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstSegment(displayName string) string {
	if idx := strings.Index(displayName, ","); idx >= 0 {
		return strings.TrimSpace(displayName[:idx])
	}
	return displayName
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
