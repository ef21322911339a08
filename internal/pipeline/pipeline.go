// Package pipeline implements the retrieval-augmented response pipeline.
//
// One inbound mention runs one sequential pass: gather thread history,
// extract attachments, derive a search query, retrieve snippets from the
// configured sources, assemble the LLM message list, and synthesize a
// draft. When the draft hedges, exactly one supplementary
// retrieval-and-resynthesis pass runs before the reply is formatted.
//
// The pipeline is stateless across events. All collaborators (LLM client,
// retrievers, extractor, chat platform) are injected at construction and
// every per-event value lives on the stack of Respond.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/extract"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/format"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/search"
)

// synthesisTimeout bounds each completion call. There is no cancellation
// beyond the context deadline; an issued request runs to completion or
// failure.
const synthesisTimeout = 30 * time.Second

// retrievalTimeout bounds the retrieval phase of one event.
const retrievalTimeout = 20 * time.Second

// ErrSynthesisFailed indicates the completion call for an event failed.
// The event's reply is abandoned (with an apology), never retried in a loop.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Role classifies a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message of the thread, in chronological order.
type Turn struct {
	Role Role
	Text string
}

// Event is one inbound mention. The chat-platform adapter decodes the
// platform payload into this struct.
type Event struct {
	ID          string // correlation id for logging (assigned if empty)
	Text        string // mention text with the bot reference stripped
	Channel     string
	ThreadTS    string // thread root; equals TS for a top-level mention
	TS          string // timestamp of the triggering message
	UserID      string
	Attachments []extract.Attachment
}

// Answer is the pipeline result for one event.
type Answer struct {
	Raw        string   // the model's output
	Formatted  string   // Raw after mrkdwn normalization + provenance tag
	Provenance []string // retrieval sources consulted (nil when none)
}

// HistoryFetcher returns the prior turns of a thread, oldest first,
// excluding the message at eventTS (the triggering mention). Provided by
// the chat-platform adapter.
type HistoryFetcher interface {
	History(ctx context.Context, channel, threadTS, eventTS string) ([]Turn, error)
}

// Completer issues one blocking LLM completion call.
type Completer interface {
	Complete(ctx context.Context, messages []*ai.Message) (string, error)
}

// Extractor converts attachments to text. Failures degrade to "".
type Extractor interface {
	Extract(ctx context.Context, attachments []extract.Attachment) string
}

// Deepener expands result URLs into page text for the retry pass.
type Deepener interface {
	Deepen(urls []string) []search.Snippet
}

// urlLister is the optional retriever capability the deepener feeds from.
type urlLister interface {
	ResultURLs(ctx context.Context, query string, k int) []string
}

// Config contains all required parameters for the Pipeline.
type Config struct {
	Completer Completer
	History   HistoryFetcher   // required for ContextThread
	General   search.Retriever // required per retrieval strategy
	Domain    search.Retriever
	Extractor Extractor // optional; attachments skipped when nil
	Deepener  Deepener  // optional; used when Policy.DeepenOnRetry

	Policy Policy
	Logger log.Logger
}

func (cfg Config) validate() error {
	if cfg.Completer == nil {
		return errors.New("completer is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Policy.Context == ContextThread && cfg.History == nil {
		return errors.New("history fetcher is required for thread context strategy")
	}
	switch cfg.Policy.Retrieval {
	case RetrievalGeneral:
		if cfg.General == nil {
			return errors.New("general retriever is required for retrieval strategy general")
		}
	case RetrievalDomain:
		if cfg.Domain == nil {
			return errors.New("domain retriever is required for retrieval strategy domain")
		}
	case RetrievalRouted, RetrievalFanout:
		if cfg.General == nil || cfg.Domain == nil {
			return errors.New("both retrievers are required for retrieval strategy " + string(cfg.Policy.Retrieval))
		}
	case RetrievalNone:
	default:
		return fmt.Errorf("unknown retrieval strategy %q", cfg.Policy.Retrieval)
	}
	switch cfg.Policy.Context {
	case ContextThread, ContextSingle:
	default:
		return fmt.Errorf("unknown context strategy %q", cfg.Policy.Context)
	}
	return nil
}

// Pipeline runs the response pass for inbound events. Safe for concurrent
// use: configuration is immutable after construction.
type Pipeline struct {
	completer  Completer
	history    HistoryFetcher
	general    search.Retriever
	domain     search.Retriever
	extractor  Extractor
	deepener   Deepener
	classifier *Classifier
	detector   *Detector
	formatter  format.Formatter
	policy     Policy
	logger     log.Logger
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy.TopK <= 0 {
		policy.TopK = 3
	}
	if policy.DocCharBudget <= 0 {
		policy.DocCharBudget = 3000
	}
	if policy.Persona == "" {
		policy.Persona = "You are a helpful assistant."
	}

	return &Pipeline{
		completer:  cfg.Completer,
		history:    cfg.History,
		general:    cfg.General,
		domain:     cfg.Domain,
		extractor:  cfg.Extractor,
		deepener:   cfg.Deepener,
		classifier: NewClassifier(policy.DomainKeywords),
		detector:   NewDetector(policy.HedgingPhrases),
		formatter:  format.Formatter{RepairListLabels: policy.EmphasisRepair},
		policy:     policy,
		logger:     cfg.Logger,
	}, nil
}

// Respond runs the full pipeline for one event and returns the answer to
// post. The only error it returns wraps ErrSynthesisFailed; every
// retrieval-layer failure degrades to missing evidence instead.
func (p *Pipeline) Respond(ctx context.Context, ev Event) (Answer, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	logger := p.logger.With("event_id", ev.ID, "channel", ev.Channel)

	// Thread history. A fetch failure degrades to single-turn context.
	var turns []Turn
	if p.policy.Context == ContextThread {
		fetched, err := p.history.History(ctx, ev.Channel, ev.ThreadTS, ev.TS)
		if err != nil {
			logger.Warn("thread history fetch failed, continuing without", "error", err)
		} else {
			turns = fetched
		}
	}

	// Attachment extraction, truncated to the character budget before it
	// can reach the model context.
	var docText string
	if len(ev.Attachments) > 0 && p.extractor != nil {
		docText = truncateRunes(p.extractor.Extract(ctx, ev.Attachments), p.policy.DocCharBudget)
	}

	// Search query: the trimmed utterance, optionally compacted by one
	// formulation call.
	query := strings.TrimSpace(ev.Text)
	if p.policy.Reformulate && p.policy.Retrieval != RetrievalNone {
		query = p.formulate(ctx, query, logger)
	}

	// Retrieval.
	retrievalCtx, cancelRetrieval := context.WithTimeout(ctx, retrievalTimeout)
	snippets := p.retrieve(retrievalCtx, query)
	cancelRetrieval()
	sources := search.Sources(snippets)

	// Assembly and first synthesis.
	messages := p.assemble(turns, ev.Text, docText, snippets)

	draft, err := p.complete(ctx, messages)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	// Shallow-answer retry: at most one supplementary pass, and its own
	// failure falls back to the draft.
	if p.policy.ShallowRetry && p.detector.IsShallow(draft) {
		logger.Info("shallow answer detected, running supplementary retrieval", "query", query)
		if second, extraSources, ok := p.retryWithSupplement(ctx, messages, query, logger); ok {
			draft = second
			sources = mergeSources(sources, extraSources)
		}
	}

	formatted := format.WithProvenance(p.formatter.Format(draft), sources)

	return Answer{
		Raw:        draft,
		Formatted:  formatted,
		Provenance: sources,
	}, nil
}

// complete issues one bounded completion call.
func (p *Pipeline) complete(ctx context.Context, messages []*ai.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()
	return p.completer.Complete(callCtx, messages)
}

// retrieve gathers snippets according to the retrieval strategy. It never
// fails: adapters degrade to empty results on their own.
func (p *Pipeline) retrieve(ctx context.Context, query string) []search.Snippet {
	if query == "" {
		return nil
	}
	k := p.policy.TopK

	switch p.policy.Retrieval {
	case RetrievalNone:
		return nil
	case RetrievalGeneral:
		return p.general.Retrieve(ctx, query, k)
	case RetrievalDomain:
		return p.domain.Retrieve(ctx, query, k)
	case RetrievalRouted:
		if p.classifier.IsDomain(query) {
			return p.domain.Retrieve(ctx, query, k)
		}
		return p.general.Retrieve(ctx, query, k)
	case RetrievalFanout:
		// General first, domain appended; each source's internal order
		// preserved, no dedup at this layer.
		out := p.general.Retrieve(ctx, query, k)
		return append(out, p.domain.Retrieve(ctx, query, k)...)
	default:
		return nil
	}
}

// retryWithSupplement performs the single supplementary pass. Returns
// ok=false when no supplementary evidence was found or the second
// completion failed; callers then keep the original draft.
func (p *Pipeline) retryWithSupplement(ctx context.Context, messages []*ai.Message, query string, logger log.Logger) (string, []string, bool) {
	retrievalCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	extra := p.supplement(retrievalCtx, query)
	cancel()
	if len(extra) == 0 {
		logger.Info("supplementary retrieval found nothing, keeping draft")
		return "", nil, false
	}

	retryMessages := append(append([]*ai.Message{}, messages...), evidenceMessage(extra, ""))
	second, err := p.complete(ctx, retryMessages)
	if err != nil {
		logger.Warn("supplementary synthesis failed, keeping draft", "error", err)
		return "", nil, false
	}
	return second, search.Sources(extra), true
}

// supplement gathers the retry evidence: deepened page text when enabled
// and available, otherwise one more snippet retrieval.
func (p *Pipeline) supplement(ctx context.Context, query string) []search.Snippet {
	if p.policy.DeepenOnRetry && p.deepener != nil {
		if urls := p.resultURLs(ctx, query); len(urls) > 0 {
			if deepened := p.deepener.Deepen(urls); len(deepened) > 0 {
				return deepened
			}
		}
	}
	return p.retrieve(ctx, query)
}

// resultURLs asks the strategy's retriever for result links, when it has
// that capability.
func (p *Pipeline) resultURLs(ctx context.Context, query string) []string {
	for _, r := range []search.Retriever{p.domain, p.general} {
		if r == nil {
			continue
		}
		if lister, ok := r.(urlLister); ok {
			if urls := lister.ResultURLs(ctx, query, p.policy.TopK); len(urls) > 0 {
				return urls
			}
		}
	}
	return nil
}

// truncateRunes caps s at n runes; multibyte text is never split.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// mergeSources unions two provenance lists, preserving first-seen order.
func mergeSources(a, b []string) []string {
	out := append([]string{}, a...)
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
