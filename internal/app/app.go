// Package app provides application initialization and dependency wiring.
//
// Setup builds the full object graph in dependency order: tracing, Genkit,
// the completion client, the search adapters, the attachment extractor,
// the response pipeline, and finally the Slack bot. Each provider function
// owns one component; a failure anywhere tears down what was already
// initialized.
package app

import (
	"context"

	"github.com/firebase/genkit/go/genkit"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/config"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/llm"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/pipeline"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/slackbot"
)

// App is the application container.
type App struct {
	Config   *config.Config
	Genkit   *genkit.Genkit
	LLM      *llm.Client
	Pipeline *pipeline.Pipeline
	Bot      *slackbot.Bot

	logger      log.Logger
	otelCleanup func()
}

// Run opens the Slack connection and blocks until ctx is canceled or the
// connection fails permanently.
func (a *App) Run(ctx context.Context) error {
	return a.Bot.Run(ctx)
}

// Close flushes pending traces. Safe to call after a failed Setup.
func (a *App) Close() error {
	a.logger.Info("shutting down")
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
