package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// fakeGoogleServer serves a Custom Search payload with n items.
func fakeGoogleServer(t *testing.T, n int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" || r.URL.Query().Get("cx") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		type item struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		}
		items := make([]item, n)
		for i := range items {
			items[i] = item{
				Title:   fmt.Sprintf("result %d", i),
				Link:    fmt.Sprintf("https://example.com/%d", i),
				Snippet: fmt.Sprintf("snippet %d", i),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGoogle(t *testing.T, baseURL string) *Google {
	t.Helper()
	g, err := NewGoogle(GoogleConfig{
		APIKey:   "test-key",
		EngineID: "test-engine",
		BaseURL:  baseURL,
		Logger:   log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewGoogle: %v", err)
	}
	return g
}

func TestGoogle_Retrieve(t *testing.T) {
	t.Parallel()

	server := fakeGoogleServer(t, 5)
	g := newTestGoogle(t, server.URL)

	snippets := g.Retrieve(context.Background(), "確定申告 期限", 3)

	if len(snippets) != 3 {
		t.Fatalf("got %d snippets, want 3", len(snippets))
	}
	// Provider order preserved.
	for i, s := range snippets {
		if want := fmt.Sprintf("snippet %d", i); s.Text != want {
			t.Errorf("snippet[%d].Text = %q, want %q", i, s.Text, want)
		}
		if s.Source != GoogleName {
			t.Errorf("snippet[%d].Source = %q, want %q", i, s.Source, GoogleName)
		}
	}
}

func TestGoogle_Retrieve_FewerThanK(t *testing.T) {
	t.Parallel()

	server := fakeGoogleServer(t, 2)
	g := newTestGoogle(t, server.URL)

	snippets := g.Retrieve(context.Background(), "query", 5)
	if len(snippets) != 2 {
		t.Errorf("got %d snippets, want 2", len(snippets))
	}
}

func TestGoogle_Retrieve_EmptyQuery(t *testing.T) {
	t.Parallel()

	server := fakeGoogleServer(t, 3)
	g := newTestGoogle(t, server.URL)

	if got := g.Retrieve(context.Background(), "", 3); len(got) != 0 {
		t.Errorf("empty query should retrieve nothing, got %d", len(got))
	}
}

func TestGoogle_Retrieve_FailuresDegradeToEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
		{
			name: "no items",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			t.Cleanup(server.Close)

			g := newTestGoogle(t, server.URL)
			if got := g.Retrieve(context.Background(), "query", 3); len(got) != 0 {
				t.Errorf("failure should yield empty slice, got %d snippets", len(got))
			}
		})
	}
}

func TestGoogle_Retrieve_UnreachableServer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	g := newTestGoogle(t, server.URL)
	if got := g.Retrieve(context.Background(), "query", 3); len(got) != 0 {
		t.Errorf("unreachable provider should yield empty slice, got %d", len(got))
	}
}

func TestNewGoogle_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewGoogle(GoogleConfig{EngineID: "x", Logger: log.NewNop()}); err == nil {
		t.Error("missing API key should be rejected")
	}
	if _, err := NewGoogle(GoogleConfig{APIKey: "x", Logger: log.NewNop()}); err == nil {
		t.Error("missing engine ID should be rejected")
	}
	if _, err := NewGoogle(GoogleConfig{APIKey: "x", EngineID: "y"}); err == nil {
		t.Error("missing logger should be rejected")
	}
}
