// Package observability wires distributed tracing into Genkit's tracer
// provider. Spans are exported over OTLP HTTP to a local Datadog Agent,
// which buffers, authenticates, and forwards them; the application never
// holds a Datadog API key.
//
// The agent's OTLP receiver must be enabled in datadog.yaml:
//
//	otlp_config:
//	  receiver:
//	    protocols:
//	      http:
//	        endpoint: "localhost:4318"
//	  traces:
//	    enabled: true
//
// Environment variables (optional):
//   - DD_AGENT_HOST: agent OTLP endpoint (default localhost:4318)
//   - DD_ENV: environment tag
//   - DD_SERVICE: service name shown in APM
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// DefaultAgentHost is the default Datadog Agent OTLP HTTP endpoint.
const DefaultAgentHost = "localhost:4318"

// Config for the Datadog trace exporter.
type Config struct {
	// AgentHost is the agent's OTLP endpoint (default: localhost:4318).
	AgentHost string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string
	// ServiceName is the service name shown in Datadog APM.
	ServiceName string
}

// SetupDatadog registers an OTLP exporter for the local Datadog Agent with
// Genkit's tracer provider, so every pipeline pass and LLM call it traces
// lands in APM.
//
// Tracing degrades gracefully: if the exporter cannot be created the bot
// runs untraced. The returned shutdown function flushes pending spans.
func SetupDatadog(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	agentHost := cfg.AgentHost
	if agentHost == "" {
		agentHost = DefaultAgentHost
	}

	// Genkit's tracer provider reads the standard OTEL variables for its
	// resource attributes.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(), // agent listens on localhost
	)
	if err != nil {
		logger.Warn("creating trace exporter failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("datadog tracing enabled",
		"agent", agentHost,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
