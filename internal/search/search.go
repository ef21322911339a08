// Package search provides the retrieval adapters of the answer pipeline:
// a general web source (Google Custom Search) and a curated domain source
// (SearXNG), plus an optional page deepener that expands result URLs into
// readable text.
//
// Failure policy: a retrieval call never fails the caller. Network errors,
// non-2xx statuses and malformed payloads are logged and degrade to an
// empty snippet list; "no evidence" is a valid outcome of every retrieval.
package search

import (
	"context"
	"strings"
	"time"
)

// defaultTimeout bounds every outbound provider call.
const defaultTimeout = 15 * time.Second

// Snippet is one retrieved text excerpt. Source names the retriever that
// produced it; ordering within a retrieval reflects the provider's
// relevance ranking and is preserved by all callers.
type Snippet struct {
	Source string
	Text   string
}

// Retriever is the shared contract of both search adapters.
//
// Retrieve returns at most k snippets in provider order. It never returns
// an error: failures are logged by the adapter and yield an empty slice.
type Retriever interface {
	Name() string
	Retrieve(ctx context.Context, query string, k int) []Snippet
}

// JoinTexts renders snippets as one newline-separated evidence block,
// preserving order. Empty snippets are dropped.
func JoinTexts(snippets []Snippet) string {
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Sources returns the distinct source names of snippets, first-seen order.
func Sources(snippets []Snippet) []string {
	var out []string
	seen := make(map[string]bool, 2)
	for _, s := range snippets {
		if s.Source == "" || seen[s.Source] {
			continue
		}
		seen[s.Source] = true
		out = append(out, s.Source)
	}
	return out
}

func capResults(k, n int) int {
	if k < 1 {
		k = 1
	}
	if n < k {
		return n
	}
	return k
}
