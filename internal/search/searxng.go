package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// SearXNGName identifies the curated/domain retriever in provenance tags.
const SearXNGName = "searxng"

// SearXNGConfig contains the required parameters for the SearXNG adapter.
type SearXNGConfig struct {
	// BaseURL is the SearXNG instance URL (e.g. http://searxng:8080).
	BaseURL string

	// Engines restricts queries to curated engines. Empty uses the
	// instance default, which is how a deployment scopes this adapter to
	// its domain sources.
	Engines []string

	// Language is the locale hint (e.g. "ja").
	Language string

	// Client overrides the HTTP client (nil = 15s-timeout default).
	Client *http.Client

	Logger log.Logger
}

// SearXNG retrieves snippets from a SearXNG instance's JSON API.
type SearXNG struct {
	baseURL  string
	engines  string
	language string
	client   *http.Client
	logger   log.Logger
}

// NewSearXNG creates the curated/domain retriever.
func NewSearXNG(cfg SearXNGConfig) (*SearXNG, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("searxng base URL is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &SearXNG{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		engines:  strings.Join(cfg.Engines, ","),
		language: cfg.Language,
		client:   client,
		logger:   cfg.Logger,
	}, nil
}

// Name returns the provenance identifier.
func (s *SearXNG) Name() string { return SearXNGName }

// searxngResponse is the subset of the SearXNG payload we consume.
type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// searchParams builds the query string shared by Retrieve and ResultURLs,
// so both passes search the same engines and locale.
func (s *SearXNG) searchParams(query string) url.Values {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if s.engines != "" {
		params.Set("engines", s.engines)
	}
	if s.language != "" {
		params.Set("language", s.language)
	}
	return params
}

// Retrieve performs one search call and returns at most k snippets in
// provider order. Failures degrade to an empty result.
func (s *SearXNG) Retrieve(ctx context.Context, query string, k int) []Snippet {
	if query == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+s.searchParams(query).Encode(), nil)
	if err != nil {
		s.logger.Warn("searxng request build failed", "error", err)
		return nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("searxng request failed", "error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("searxng returned non-OK status", "status", resp.StatusCode)
		return nil
	}

	var payload searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		s.logger.Warn("searxng response decode failed", "error", err)
		return nil
	}

	n := capResults(k, len(payload.Results))
	snippets := make([]Snippet, 0, n)
	for _, r := range payload.Results[:n] {
		if r.Content == "" {
			continue
		}
		snippets = append(snippets, Snippet{Source: SearXNGName, Text: r.Content})
	}

	s.logger.Debug("searxng search completed", "query", query, "results", len(snippets))
	return snippets
}

// ResultURLs returns the result links of one search call, capped at k, for
// the page deepener. Failures degrade to an empty result.
func (s *SearXNG) ResultURLs(ctx context.Context, query string, k int) []string {
	if query == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+s.searchParams(query).Encode(), nil)
	if err != nil {
		return nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("searxng url lookup failed", "error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}

	n := capResults(k, len(payload.Results))
	urls := make([]string, 0, n)
	for _, r := range payload.Results[:n] {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}
