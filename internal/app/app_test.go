package app

import (
	"context"
	"testing"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/config"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

func searchConfig() *config.Config {
	return &config.Config{
		GoogleSearch: config.GoogleSearchConfig{APIKey: "key", EngineID: "cse"},
		SearXNG:      config.SearXNGConfig{BaseURL: "http://searxng:8080"},
		Pipeline:     config.PipelineConfig{Retrieval: config.RetrievalRouted},
	}
}

func TestProvideRetrieversRouted(t *testing.T) {
	t.Parallel()

	general, domain, deepener, err := provideRetrievers(searchConfig(), log.NewNop())
	if err != nil {
		t.Fatalf("provideRetrievers() error = %v", err)
	}
	if general == nil || domain == nil {
		t.Error("routed strategy must create both retrievers")
	}
	if deepener != nil {
		t.Error("deepener must stay nil unless deepen_on_retry is set")
	}
}

func TestProvideRetrieversNone(t *testing.T) {
	t.Parallel()

	cfg := searchConfig()
	cfg.Pipeline.Retrieval = config.RetrievalNone

	general, domain, deepener, err := provideRetrievers(cfg, log.NewNop())
	if err != nil {
		t.Fatalf("provideRetrievers() error = %v", err)
	}
	if general != nil || domain != nil || deepener != nil {
		t.Error("retrieval strategy none must create no adapters")
	}
}

func TestProvideRetrieversDomainOnly(t *testing.T) {
	t.Parallel()

	cfg := searchConfig()
	cfg.Pipeline.Retrieval = config.RetrievalDomain
	cfg.GoogleSearch = config.GoogleSearchConfig{}

	general, domain, _, err := provideRetrievers(cfg, log.NewNop())
	if err != nil {
		t.Fatalf("provideRetrievers() error = %v", err)
	}
	if general != nil {
		t.Error("domain strategy must not create the general retriever")
	}
	if domain == nil {
		t.Error("domain strategy must create the domain retriever")
	}
}

func TestProvideRetrieversDeepener(t *testing.T) {
	t.Parallel()

	cfg := searchConfig()
	cfg.Pipeline.DeepenOnRetry = true

	_, _, deepener, err := provideRetrievers(cfg, log.NewNop())
	if err != nil {
		t.Fatalf("provideRetrievers() error = %v", err)
	}
	if deepener == nil {
		t.Error("deepen_on_retry must create the page deepener")
	}
}

func TestProvideOtelShutdownDisabled(t *testing.T) {
	t.Parallel()

	cleanup := provideOtelShutdown(context.Background(), &config.Config{}, log.NewNop())
	if cleanup == nil {
		t.Fatal("cleanup func must never be nil")
	}
	cleanup()
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := Setup(context.Background(), &config.Config{}, log.NewNop()); err == nil {
		t.Error("Setup() error = nil, want config validation error")
	}
}
