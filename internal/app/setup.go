package app

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/config"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/extract"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/llm"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/observability"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/pipeline"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/search"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/slackbot"
)

// Setup creates and initializes the application. Call Close to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	a := &App{Config: cfg, logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first: Genkit captures the tracer provider at Init.
	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	g, err := llm.Init(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing genkit: %w", err)
	}
	a.Genkit = g

	client, err := llm.NewClient(llm.ClientConfig{
		Genkit:      g,
		ModelName:   cfg.ModelName,
		Provider:    cfg.Provider,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating completion client: %w", err)
	}
	a.LLM = client

	general, domain, deepener, err := provideRetrievers(cfg, logger)
	if err != nil {
		return nil, err
	}

	extractor, err := extract.New(extract.Config{
		Token:         cfg.SlackBotToken,
		SheetRows:     cfg.Extract.SheetRows,
		OCRLanguage:   cfg.Extract.OCRLanguage,
		MaxFetchBytes: cfg.Extract.MaxFetchBytes,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	slackClient := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))

	auth, err := slackClient.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth.test: %w", err)
	}
	logger.Info("slack authenticated", "bot_user", auth.UserID, "team", auth.Team)

	thread := slackbot.NewThread(slackClient, auth.UserID, logger)

	pipe, err := pipeline.New(pipeline.Config{
		Completer: client,
		History:   thread,
		General:   general,
		Domain:    domain,
		Extractor: extractor,
		Deepener:  deepener,
		Policy: pipeline.Policy{
			Retrieval:      pipeline.RetrievalStrategy(cfg.Pipeline.Retrieval),
			Context:        pipeline.ContextStrategy(cfg.Pipeline.Context),
			ShallowRetry:   cfg.Pipeline.ShallowRetry,
			Reformulate:    cfg.Pipeline.Reformulate,
			DeepenOnRetry:  cfg.Pipeline.DeepenOnRetry,
			EmphasisRepair: cfg.Pipeline.EmphasisRepair,
			Persona:        cfg.Pipeline.Persona,
			TopK:           cfg.Pipeline.TopK,
			DocCharBudget:  cfg.Pipeline.DocCharBudget,
			DomainKeywords: cfg.Pipeline.DomainKeywords,
			HedgingPhrases: cfg.Pipeline.HedgingPhrases,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	a.Pipeline = pipe

	bot, err := slackbot.New(slackbot.Config{
		Client:    slackClient,
		Responder: pipe,
		Thread:    thread,
		BotUserID: auth.UserID,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bot: %w", err)
	}
	a.Bot = bot

	return a, nil
}

// provideOtelShutdown sets up Datadog tracing. Disabled unless a service
// name is configured.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if cfg.Datadog.ServiceName == "" {
		return func() {}
	}

	shutdown, err := observability.SetupDatadog(ctx, observability.Config{
		AgentHost:   cfg.Datadog.AgentHost,
		Environment: cfg.Datadog.Environment,
		ServiceName: cfg.Datadog.ServiceName,
	}, logger)
	if err != nil {
		logger.Warn("tracing setup failed, continuing untraced", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideRetrievers creates the adapters the retrieval strategy can reach.
// Strategies that never touch a source leave its adapter nil.
func provideRetrievers(cfg *config.Config, logger log.Logger) (general, domain search.Retriever, deepener pipeline.Deepener, err error) {
	needGeneral := false
	needDomain := false
	switch cfg.Pipeline.Retrieval {
	case config.RetrievalGeneral:
		needGeneral = true
	case config.RetrievalDomain:
		needDomain = true
	case config.RetrievalRouted, config.RetrievalFanout:
		needGeneral = true
		needDomain = true
	}

	if needGeneral {
		g, gerr := search.NewGoogle(search.GoogleConfig{
			APIKey:   cfg.GoogleSearch.APIKey,
			EngineID: cfg.GoogleSearch.EngineID,
			Country:  cfg.GoogleSearch.Country,
			Language: cfg.GoogleSearch.Language,
			Logger:   logger,
		})
		if gerr != nil {
			return nil, nil, nil, fmt.Errorf("creating google retriever: %w", gerr)
		}
		general = g
	}

	if needDomain {
		s, serr := search.NewSearXNG(search.SearXNGConfig{
			BaseURL:  cfg.SearXNG.BaseURL,
			Engines:  cfg.SearXNG.Engines,
			Language: cfg.SearXNG.Language,
			Logger:   logger,
		})
		if serr != nil {
			return nil, nil, nil, fmt.Errorf("creating searxng retriever: %w", serr)
		}
		domain = s
	}

	if cfg.Pipeline.DeepenOnRetry && (needGeneral || needDomain) {
		d, derr := search.NewDeepener(search.DeepenerConfig{
			Parallelism: cfg.WebScraper.Parallelism,
			Delay:       time.Duration(cfg.WebScraper.DelayMs) * time.Millisecond,
			Timeout:     time.Duration(cfg.WebScraper.TimeoutMs) * time.Millisecond,
			Logger:      logger,
		})
		if derr != nil {
			return nil, nil, nil, fmt.Errorf("creating page deepener: %w", derr)
		}
		deepener = d
	}

	return general, domain, deepener, nil
}
