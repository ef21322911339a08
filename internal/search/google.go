package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// GoogleName identifies the general-purpose retriever in provenance tags.
const GoogleName = "google"

// googleBaseURL is the Custom Search JSON API endpoint.
const googleBaseURL = "https://www.googleapis.com/customsearch/v1"

// GoogleConfig contains the required parameters for the Google adapter.
type GoogleConfig struct {
	APIKey   string
	EngineID string
	Country  string // gl parameter, e.g. "jp"
	Language string // lr parameter, e.g. "lang_ja"

	// BaseURL overrides the API endpoint. Tests point this at a fake server.
	BaseURL string

	// Client overrides the HTTP client (nil = 15s-timeout default).
	Client *http.Client

	Logger log.Logger
}

// Google retrieves snippets from the Google Custom Search JSON API.
type Google struct {
	apiKey   string
	engineID string
	country  string
	language string
	baseURL  string
	client   *http.Client
	logger   log.Logger
}

// NewGoogle creates the general web retriever.
func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google search API key is required")
	}
	if cfg.EngineID == "" {
		return nil, fmt.Errorf("google search engine ID is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Google{
		apiKey:   cfg.APIKey,
		engineID: cfg.EngineID,
		country:  cfg.Country,
		language: cfg.Language,
		baseURL:  baseURL,
		client:   client,
		logger:   cfg.Logger,
	}, nil
}

// Name returns the provenance identifier.
func (g *Google) Name() string { return GoogleName }

// googleResponse is the subset of the Custom Search payload we consume.
type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Retrieve performs one search call and returns at most k snippets in
// provider order. Failures degrade to an empty result.
func (g *Google) Retrieve(ctx context.Context, query string, k int) []Snippet {
	if query == "" {
		return nil
	}

	params := url.Values{}
	params.Set("key", g.apiKey)
	params.Set("cx", g.engineID)
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", capResults(k, 10)))
	if g.country != "" {
		params.Set("gl", g.country)
	}
	if g.language != "" {
		params.Set("lr", g.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		g.logger.Warn("google search request build failed", "error", err)
		return nil
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("google search request failed", "error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		g.logger.Warn("google search returned non-OK status", "status", resp.StatusCode)
		return nil
	}

	var payload googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		g.logger.Warn("google search response decode failed", "error", err)
		return nil
	}

	n := capResults(k, len(payload.Items))
	snippets := make([]Snippet, 0, n)
	for _, item := range payload.Items[:n] {
		if item.Snippet == "" {
			continue
		}
		snippets = append(snippets, Snippet{Source: GoogleName, Text: item.Snippet})
	}

	g.logger.Debug("google search completed", "query", query, "results", len(snippets))
	return snippets
}
