// Package config provides application configuration with multi-source
// priority.
//
// Sources (highest to lowest):
//  1. Environment variables (runtime override)
//  2. Config file (~/.gptbot/config.yaml)
//  3. Defaults
//
// Categories:
//   - Slack: bot/app tokens for socket mode
//   - AI: provider, model, temperature, max tokens
//   - Search: Google Custom Search (general) and SearXNG (domain)
//   - Pipeline: retrieval/context strategy, phrase tables, persona
//   - Extract: attachment extraction limits
//   - Datadog: OTLP tracing (optional)
//
// Sensitive values (tokens, API keys) are masked in MarshalJSON and never
// logged. Validation uses package-level sentinel errors so callers can
// test with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingSlackBotToken indicates the Slack bot token is absent.
	ErrMissingSlackBotToken = errors.New("missing slack bot token")

	// ErrMissingSlackAppToken indicates the Slack app-level token is absent.
	ErrMissingSlackAppToken = errors.New("missing slack app token")

	// ErrMissingAPIKey indicates the LLM provider API key is absent.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTopK indicates the snippet count is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidRetrieval indicates an unknown retrieval strategy.
	ErrInvalidRetrieval = errors.New("invalid retrieval strategy")

	// ErrInvalidContext indicates an unknown context strategy.
	ErrInvalidContext = errors.New("invalid context strategy")

	// ErrMissingSearchCredentials indicates the selected retrieval strategy
	// needs a search provider that is not configured.
	ErrMissingSearchCredentials = errors.New("missing search credentials")

	// ErrInvalidDocBudget indicates the document character budget is out of range.
	ErrInvalidDocBudget = errors.New("invalid document character budget")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// Retrieval strategy identifiers used in Pipeline.Retrieval.
const (
	RetrievalNone    = "none"
	RetrievalGeneral = "general"
	RetrievalDomain  = "domain"
	RetrievalRouted  = "routed"
	RetrievalFanout  = "fanout"
)

// Context strategy identifiers used in Pipeline.Context.
const (
	ContextThread = "thread"
	ContextSingle = "single"
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; when adding a new
// token or key field, update MarshalJSON as well.
type Config struct {
	// Slack credentials (socket mode)
	SlackBotToken string `mapstructure:"slack_bot_token" json:"slack_bot_token"` // SENSITIVE
	SlackAppToken string `mapstructure:"slack_app_token" json:"slack_app_token"` // SENSITIVE

	// AI provider and model configuration
	Provider     string  `mapstructure:"provider" json:"provider"`       // "openai" (default), "googleai", "ollama"
	ModelName    string  `mapstructure:"model_name" json:"model_name"`   // e.g. "gpt-4o", "gemini-2.5-flash", "llama3.3"
	Temperature  float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`
	OpenAIAPIKey string  `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE
	OllamaHost   string  `mapstructure:"ollama_host" json:"ollama_host"`

	// Search providers
	GoogleSearch GoogleSearchConfig `mapstructure:"google_search" json:"google_search"`
	SearXNG      SearXNGConfig      `mapstructure:"searxng" json:"searxng"`
	WebScraper   WebScraperConfig   `mapstructure:"web_scraper" json:"web_scraper"`

	// Pipeline policy
	Pipeline PipelineConfig `mapstructure:"pipeline" json:"pipeline"`

	// Attachment extraction
	Extract ExtractConfig `mapstructure:"extract" json:"extract"`

	// Observability (optional)
	Datadog DatadogConfig `mapstructure:"datadog" json:"datadog"`
}

// GoogleSearchConfig holds Google Custom Search JSON API configuration for
// the general-purpose retriever.
type GoogleSearchConfig struct {
	APIKey   string `mapstructure:"api_key" json:"api_key"` // SENSITIVE
	EngineID string `mapstructure:"engine_id" json:"engine_id"`
	// Locale hints passed to the provider (gl / lr parameters).
	Country  string `mapstructure:"country" json:"country"`
	Language string `mapstructure:"language" json:"language"`
}

// SearXNGConfig holds SearXNG configuration for the curated/domain
// retriever.
type SearXNGConfig struct {
	// BaseURL is the SearXNG instance URL (e.g. http://searxng:8080).
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// Engines restricts the query to curated engines (empty = instance default).
	Engines []string `mapstructure:"engines" json:"engines"`
	// Language is the search locale hint (e.g. "ja").
	Language string `mapstructure:"language" json:"language"`
}

// WebScraperConfig bounds the page-deepening fetcher.
type WebScraperConfig struct {
	// Parallelism is max concurrent requests per domain (default: 2).
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
	// DelayMs is delay between requests in milliseconds (default: 1000).
	DelayMs int `mapstructure:"delay_ms" json:"delay_ms"`
	// TimeoutMs is request timeout in milliseconds (default: 15000).
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// PipelineConfig enumerates the response-pipeline policy. The phrase
// tables live here, not in code, so the pipeline stays independent of any
// particular language's vocabulary.
type PipelineConfig struct {
	Retrieval      string   `mapstructure:"retrieval" json:"retrieval"` // none | general | domain | routed | fanout
	Context        string   `mapstructure:"context" json:"context"`     // thread | single
	ShallowRetry   bool     `mapstructure:"shallow_retry" json:"shallow_retry"`
	Reformulate    bool     `mapstructure:"reformulate" json:"reformulate"`
	DeepenOnRetry  bool     `mapstructure:"deepen_on_retry" json:"deepen_on_retry"`
	EmphasisRepair bool     `mapstructure:"emphasis_repair" json:"emphasis_repair"`
	Persona        string   `mapstructure:"persona" json:"persona"`
	TopK           int      `mapstructure:"top_k" json:"top_k"`
	DocCharBudget  int      `mapstructure:"doc_char_budget" json:"doc_char_budget"`
	DomainKeywords []string `mapstructure:"domain_keywords" json:"domain_keywords"`
	HedgingPhrases []string `mapstructure:"hedging_phrases" json:"hedging_phrases"`
}

// ExtractConfig bounds attachment extraction.
type ExtractConfig struct {
	// SheetRows is how many rows per sheet are rendered as text.
	SheetRows int `mapstructure:"sheet_rows" json:"sheet_rows"`
	// OCRLanguage is the tesseract language code (default "jpn").
	OCRLanguage string `mapstructure:"ocr_language" json:"ocr_language"`
	// MaxFetchBytes limits each attachment download.
	MaxFetchBytes int64 `mapstructure:"max_fetch_bytes" json:"max_fetch_bytes"`
}

// DatadogConfig holds OTLP tracing configuration. Tracing is disabled when
// ServiceName is empty.
type DatadogConfig struct {
	AgentHost   string `mapstructure:"agent_host" json:"agent_host"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// DefaultPersona is the system directive of the original deployment.
const DefaultPersona = "あなたは優秀なアシスタントです。質問には正確かつ簡潔に日本語で答えてください。"

// defaultDomainKeywords routes tax/accounting questions to the curated
// source. Configurable; this is the vocabulary of the original deployment.
var defaultDomainKeywords = []string{
	"確定申告", "税金", "税務", "控除", "年末調整", "源泉徴収",
	"インボイス", "消費税", "所得税", "経費", "会計", "経理",
}

// defaultHedgingPhrases mark an answer as shallow and trigger the
// supplementary search pass.
var defaultHedgingPhrases = []string{
	"確認してください", "わかりません", "申し訳ありません",
	"最新の情報", "アクセスできません",
	"cannot provide", "please check", "no access", "not current information",
}

// Load reads configuration from defaults, the config file and environment
// variables, in ascending priority.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file is optional.
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gptbot"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GPTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The unprefixed names the original deployment exported.
	_ = v.BindEnv("slack_bot_token", "GPTBOT_SLACK_BOT_TOKEN", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("slack_app_token", "GPTBOT_SLACK_APP_TOKEN", "SLACK_APP_TOKEN")
	_ = v.BindEnv("openai_api_key", "GPTBOT_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("google_search.api_key", "GPTBOT_GOOGLE_SEARCH_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("google_search.engine_id", "GPTBOT_GOOGLE_SEARCH_ENGINE_ID", "GOOGLE_CSE_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model_name", "gpt-4o")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("google_search.country", "jp")
	v.SetDefault("google_search.language", "lang_ja")
	v.SetDefault("searxng.language", "ja")

	v.SetDefault("web_scraper.parallelism", 2)
	v.SetDefault("web_scraper.delay_ms", 1000)
	v.SetDefault("web_scraper.timeout_ms", 15000)

	v.SetDefault("pipeline.retrieval", RetrievalRouted)
	v.SetDefault("pipeline.context", ContextThread)
	v.SetDefault("pipeline.shallow_retry", true)
	v.SetDefault("pipeline.reformulate", true)
	v.SetDefault("pipeline.deepen_on_retry", false)
	v.SetDefault("pipeline.emphasis_repair", true)
	v.SetDefault("pipeline.persona", DefaultPersona)
	v.SetDefault("pipeline.top_k", 3)
	v.SetDefault("pipeline.doc_char_budget", 3000)
	v.SetDefault("pipeline.domain_keywords", defaultDomainKeywords)
	v.SetDefault("pipeline.hedging_phrases", defaultHedgingPhrases)

	v.SetDefault("extract.sheet_rows", 10)
	v.SetDefault("extract.ocr_language", "jpn")
	v.SetDefault("extract.max_fetch_bytes", int64(20*1024*1024))

	v.SetDefault("datadog.agent_host", "localhost:4318")
}

// Validate checks the configuration for startup-fatal problems
// (ConfigurationMissing in the error taxonomy).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.SlackBotToken) == "" {
		return ErrMissingSlackBotToken
	}
	if strings.TrimSpace(c.SlackAppToken) == "" {
		return ErrMissingSlackAppToken
	}

	switch c.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is required for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderGoogleAI, ProviderOllama:
		// googleai reads GEMINI_API_KEY from the environment inside the
		// plugin; ollama needs no key.
	default:
		return fmt.Errorf("%w: %q (supported: openai, googleai, ollama)", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}

	if c.Pipeline.TopK < 1 || c.Pipeline.TopK > 10 {
		return fmt.Errorf("%w: %d (must be 1-10)", ErrInvalidTopK, c.Pipeline.TopK)
	}
	if c.Pipeline.DocCharBudget < 100 {
		return fmt.Errorf("%w: %d (must be >= 100)", ErrInvalidDocBudget, c.Pipeline.DocCharBudget)
	}

	switch c.Pipeline.Retrieval {
	case RetrievalNone, RetrievalGeneral, RetrievalDomain, RetrievalRouted, RetrievalFanout:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRetrieval, c.Pipeline.Retrieval)
	}
	switch c.Pipeline.Context {
	case ContextThread, ContextSingle:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidContext, c.Pipeline.Context)
	}

	if err := c.validateSearchCredentials(); err != nil {
		return err
	}

	return nil
}

// validateSearchCredentials ensures each retriever the strategy can reach
// is actually configured.
func (c *Config) validateSearchCredentials() error {
	needGeneral := false
	needDomain := false
	switch c.Pipeline.Retrieval {
	case RetrievalGeneral:
		needGeneral = true
	case RetrievalDomain:
		needDomain = true
	case RetrievalRouted, RetrievalFanout:
		needGeneral = true
		needDomain = true
	}

	if needGeneral && (c.GoogleSearch.APIKey == "" || c.GoogleSearch.EngineID == "") {
		return fmt.Errorf("%w: google_search.api_key and engine_id are required for retrieval %q",
			ErrMissingSearchCredentials, c.Pipeline.Retrieval)
	}
	if needDomain && c.SearXNG.BaseURL == "" {
		return fmt.Errorf("%w: searxng.base_url is required for retrieval %q",
			ErrMissingSearchCredentials, c.Pipeline.Retrieval)
	}
	return nil
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.SlackBotToken = maskSecret(a.SlackBotToken)
	a.SlackAppToken = maskSecret(a.SlackAppToken)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	a.GoogleSearch.APIKey = maskSecret(a.GoogleSearch.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// maskSecret hides all but a short prefix of a credential.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
