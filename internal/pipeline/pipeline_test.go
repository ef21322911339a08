package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/extract"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/search"
)

type completion struct {
	text string
	err  error
}

// fakeCompleter replays a fixed script of completion results and records
// the message list of every call.
type fakeCompleter struct {
	mu     sync.Mutex
	script []completion
	calls  [][]*ai.Message
}

func (f *fakeCompleter) Complete(_ context.Context, messages []*ai.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if len(f.calls) > len(f.script) {
		return "", errors.New("unexpected completion call")
	}
	c := f.script[len(f.calls)-1]
	return c.text, c.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) call(i int) []*ai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeRetriever struct {
	mu       sync.Mutex
	name     string
	snippets []search.Snippet
	queries  []string
}

func (f *fakeRetriever) Name() string { return f.name }

func (f *fakeRetriever) Retrieve(_ context.Context, query string, _ int) []search.Snippet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.snippets
}

func (f *fakeRetriever) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeHistory struct {
	turns []Turn
	err   error
}

func (f *fakeHistory) History(context.Context, string, string, string) ([]Turn, error) {
	return f.turns, f.err
}

type fakeExtractor struct {
	text string
}

func (f *fakeExtractor) Extract(context.Context, []extract.Attachment) string {
	return f.text
}

func messageText(m *ai.Message) string {
	var b strings.Builder
	for _, part := range m.Content {
		b.WriteString(part.Text)
	}
	return b.String()
}

func testConfig(completer *fakeCompleter, general, domain *fakeRetriever) Config {
	return Config{
		Completer: completer,
		History:   &fakeHistory{},
		General:   general,
		Domain:    domain,
		Policy: Policy{
			Retrieval:      RetrievalRouted,
			Context:        ContextThread,
			ShallowRetry:   true,
			EmphasisRepair: true,
			Persona:        "あなたは優秀なアシスタントです。",
			TopK:           3,
			DocCharBudget:  3000,
			DomainKeywords: []string{"確定申告", "税金", "控除"},
			HedgingPhrases: []string{"確認してください", "わかりません"},
		},
		Logger: log.NewNop(),
	}
}

func TestRespondRoutesDomainQuery(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "医療費控除が使えます。"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{
		{Source: "searxng", Text: "確定申告の期限は3月15日です。"},
	}}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "確定申告の期限はいつ?"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if domain.queryCount() != 1 {
		t.Errorf("domain retriever called %d times, want 1", domain.queryCount())
	}
	if general.queryCount() != 0 {
		t.Errorf("general retriever called %d times, want 0", general.queryCount())
	}
	if want := []string{"searxng"}; len(answer.Provenance) != 1 || answer.Provenance[0] != want[0] {
		t.Errorf("Provenance = %v, want %v", answer.Provenance, want)
	}
	if !strings.Contains(answer.Formatted, "_検索ソース: searxng_") {
		t.Errorf("Formatted = %q, missing provenance tag", answer.Formatted)
	}

	// The evidence turn carries the snippet under its label.
	messages := completer.call(0)
	last := messageText(messages[len(messages)-1])
	if !strings.Contains(last, searchEvidenceLabel) || !strings.Contains(last, "3月15日") {
		t.Errorf("evidence turn = %q, want snippet under %q", last, searchEvidenceLabel)
	}
}

func TestRespondRoutesGeneralQuery(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "晴れです。"}}}
	general := &fakeRetriever{name: "google", snippets: []search.Snippet{
		{Source: "google", Text: "東京は晴れ。"},
	}}
	domain := &fakeRetriever{name: "searxng"}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "東京の天気は?"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if general.queryCount() != 1 {
		t.Errorf("general retriever called %d times, want 1", general.queryCount())
	}
	if domain.queryCount() != 0 {
		t.Errorf("domain retriever called %d times, want 0", domain.queryCount())
	}
}

func TestRespondFanoutKeepsSourceOrder(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}
	general := &fakeRetriever{name: "google", snippets: []search.Snippet{{Source: "google", Text: "general hit"}}}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{{Source: "searxng", Text: "domain hit"}}}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.Retrieval = RetrievalFanout

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "質問"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if len(answer.Provenance) != 2 || answer.Provenance[0] != "google" || answer.Provenance[1] != "searxng" {
		t.Errorf("Provenance = %v, want [google searxng]", answer.Provenance)
	}

	messages := completer.call(0)
	last := messageText(messages[len(messages)-1])
	if strings.Index(last, "general hit") > strings.Index(last, "domain hit") {
		t.Errorf("evidence turn orders domain before general: %q", last)
	}
}

func TestRespondMessageOrder(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}
	general := &fakeRetriever{name: "google", snippets: []search.Snippet{{Source: "google", Text: "hit"}}}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.History = &fakeHistory{turns: []Turn{
		{Role: RoleUser, Text: "最初の質問"},
		{Role: RoleAssistant, Text: "最初の回答"},
	}}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "続きの質問"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	messages := completer.call(0)
	wantRoles := []ai.Role{ai.RoleSystem, ai.RoleUser, ai.RoleModel, ai.RoleUser, ai.RoleUser}
	if len(messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if messages[i].Role != want {
			t.Errorf("message[%d].Role = %q, want %q", i, messages[i].Role, want)
		}
	}
	if got := messageText(messages[0]); got != "あなたは優秀なアシスタントです。" {
		t.Errorf("system turn = %q, want persona", got)
	}
	if got := messageText(messages[3]); got != "続きの質問" {
		t.Errorf("message[3] = %q, want triggering utterance", got)
	}
}

func TestRespondSingleContextIgnoresHistory(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.Context = ContextSingle
	cfg.History = &fakeHistory{turns: []Turn{{Role: RoleUser, Text: "古い発言"}}}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "質問"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	messages := completer.call(0)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want system + utterance only", len(messages))
	}
}

func TestRespondHistoryFailureDegrades(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.History = &fakeHistory{err: errors.New("conversations.replies: 500")}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "質問"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if answer.Raw != "回答" {
		t.Errorf("Raw = %q, want the draft despite history failure", answer.Raw)
	}
}

func TestRespondIncludesAttachmentText(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "売上は100万円です。"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.Extractor = &fakeExtractor{text: "Sheet1:\n売上\t1000000"}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ev := Event{
		Text:        "このファイルの売上は?",
		Attachments: []extract.Attachment{{Name: "report.xlsx", Filetype: "xlsx"}},
	}
	if _, err := p.Respond(context.Background(), ev); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	messages := completer.call(0)
	last := messageText(messages[len(messages)-1])
	if !strings.Contains(last, docEvidenceLabel) || !strings.Contains(last, "売上\t1000000") {
		t.Errorf("evidence turn = %q, want extracted text under %q", last, docEvidenceLabel)
	}
}

func TestRespondTruncatesAttachmentText(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.DocCharBudget = 10
	cfg.Extractor = &fakeExtractor{text: strings.Repeat("あ", 50)}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ev := Event{
		Text:        "要約して",
		Attachments: []extract.Attachment{{Name: "notes.txt", Filetype: "text"}},
	}
	if _, err := p.Respond(context.Background(), ev); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	messages := completer.call(0)
	last := messageText(messages[len(messages)-1])
	if strings.Contains(last, strings.Repeat("あ", 11)) {
		t.Error("attachment text exceeds the character budget")
	}
	if !strings.Contains(last, strings.Repeat("あ", 10)) {
		t.Error("truncated attachment text missing from evidence turn")
	}
}

func TestRespondShallowRetrySecondAnswerWins(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{text: "最新の情報は国税庁のサイトで確認してください。"},
		{text: "令和7年分の申告期限は2026年3月16日です。"},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{
		{Source: "searxng", Text: "申告期限は2026年3月16日。"},
	}}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "確定申告の期限は?"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if completer.callCount() != 2 {
		t.Fatalf("completion called %d times, want 2", completer.callCount())
	}
	// Initial retrieval plus exactly one supplementary retrieval.
	if domain.queryCount() != 2 {
		t.Errorf("domain retriever called %d times, want 2", domain.queryCount())
	}
	if answer.Raw != "令和7年分の申告期限は2026年3月16日です。" {
		t.Errorf("Raw = %q, want the second answer", answer.Raw)
	}

	// The retry call extends the original message list by one evidence turn.
	first, second := completer.call(0), completer.call(1)
	if len(second) != len(first)+1 {
		t.Errorf("retry has %d messages, want %d", len(second), len(first)+1)
	}
}

func TestRespondShallowRetryFailureKeepsDraft(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{text: "わかりません。"},
		{err: errors.New("rate limit exceeded")},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{
		{Source: "searxng", Text: "hit"},
	}}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "税金について"})
	if err != nil {
		t.Fatalf("Respond() error = %v, want fallback to draft", err)
	}
	if answer.Raw != "わかりません。" {
		t.Errorf("Raw = %q, want the original draft", answer.Raw)
	}
}

func TestRespondShallowRetrySkippedWithoutEvidence(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "わかりません。"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "税金について"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if completer.callCount() != 1 {
		t.Errorf("completion called %d times, want 1 when retrieval finds nothing", completer.callCount())
	}
	if answer.Raw != "わかりません。" {
		t.Errorf("Raw = %q, want the draft", answer.Raw)
	}
}

func TestRespondShallowRetryDisabled(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "わかりません。"}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{{Source: "searxng", Text: "hit"}}}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.ShallowRetry = false

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "税金について"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if completer.callCount() != 1 {
		t.Errorf("completion called %d times, want 1 with retry disabled", completer.callCount())
	}
}

func TestRespondSynthesisFailure(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{err: errors.New("connection refused")}}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "質問"}); !errors.Is(err, ErrSynthesisFailed) {
		t.Errorf("Respond() error = %v, want ErrSynthesisFailed", err)
	}
}

func TestRespondFormatsEmphasis(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{text: "- **医療費控除**: 10万円を超えた分が対象です。"},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	p, err := New(testConfig(completer, general, domain))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "東京の天気"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if want := "- *医療費控除*: 10万円を超えた分が対象です。"; answer.Formatted != want {
		t.Errorf("Formatted = %q, want %q", answer.Formatted, want)
	}
}

func TestRespondReformulatesQuery(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{text: "確定申告 期限"},
		{text: "3月16日です。"},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng", snippets: []search.Snippet{{Source: "searxng", Text: "hit"}}}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.Reformulate = true

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: "えっと、確定申告っていつまでにやればいいんだっけ?"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	domain.mu.Lock()
	defer domain.mu.Unlock()
	if len(domain.queries) != 1 || domain.queries[0] != "確定申告 期限" {
		t.Errorf("retrieval queries = %v, want the formulated query", domain.queries)
	}
}

func TestRespondFormulationFailureFallsBack(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{err: errors.New("timeout")},
		{text: "回答"},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	cfg := testConfig(completer, general, domain)
	cfg.Policy.Reformulate = true

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Respond(context.Background(), Event{Text: " 税金の質問 "}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	domain.mu.Lock()
	defer domain.mu.Unlock()
	if len(domain.queries) != 1 || domain.queries[0] != "税金の質問" {
		t.Errorf("retrieval queries = %v, want the trimmed utterance", domain.queries)
	}
}

func TestRespondNoRetrieval(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{{text: "回答"}}}

	cfg := testConfig(completer, nil, nil)
	cfg.Policy.Retrieval = RetrievalNone
	cfg.General = nil
	cfg.Domain = nil

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "質問"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if answer.Provenance != nil {
		t.Errorf("Provenance = %v, want nil", answer.Provenance)
	}
	if answer.Formatted != "回答" {
		t.Errorf("Formatted = %q, want no provenance tag", answer.Formatted)
	}
}

type fakeURLRetriever struct {
	fakeRetriever
	urls []string
}

func (f *fakeURLRetriever) ResultURLs(context.Context, string, int) []string { return f.urls }

type fakeDeepener struct {
	mu       sync.Mutex
	snippets []search.Snippet
	urls     []string
}

func (f *fakeDeepener) Deepen(urls []string) []search.Snippet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = urls
	return f.snippets
}

func TestRespondDeepensOnRetry(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{script: []completion{
		{text: "国税庁のサイトで確認してください。"},
		{text: "期限は2026年3月16日です。"},
	}}
	general := &fakeRetriever{name: "google"}
	domain := &fakeURLRetriever{
		fakeRetriever: fakeRetriever{name: "searxng", snippets: []search.Snippet{
			{Source: "searxng", Text: "hit"},
		}},
		urls: []string{"https://www.nta.go.jp/deadline"},
	}
	deepener := &fakeDeepener{snippets: []search.Snippet{
		{Source: "page", Text: "申告期限は2026年3月16日。"},
	}}

	cfg := testConfig(completer, general, &domain.fakeRetriever)
	cfg.Domain = domain
	cfg.Deepener = deepener
	cfg.Policy.DeepenOnRetry = true

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Respond(context.Background(), Event{Text: "確定申告の期限は?"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	deepener.mu.Lock()
	gotURLs := deepener.urls
	deepener.mu.Unlock()
	if len(gotURLs) != 1 || gotURLs[0] != "https://www.nta.go.jp/deadline" {
		t.Errorf("deepened urls = %v, want the domain result link", gotURLs)
	}
	if answer.Raw != "期限は2026年3月16日です。" {
		t.Errorf("Raw = %q, want the second answer", answer.Raw)
	}
	if len(answer.Provenance) != 2 || answer.Provenance[1] != "page" {
		t.Errorf("Provenance = %v, want [searxng page]", answer.Provenance)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{}
	general := &fakeRetriever{name: "google"}
	domain := &fakeRetriever{name: "searxng"}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing completer", mutate: func(c *Config) { c.Completer = nil }},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }},
		{name: "thread context without history", mutate: func(c *Config) { c.History = nil }},
		{name: "routed without domain retriever", mutate: func(c *Config) { c.Domain = nil }},
		{name: "general strategy without retriever", mutate: func(c *Config) {
			c.Policy.Retrieval = RetrievalGeneral
			c.General = nil
		}},
		{name: "unknown retrieval strategy", mutate: func(c *Config) { c.Policy.Retrieval = "all" }},
		{name: "unknown context strategy", mutate: func(c *Config) { c.Policy.Context = "window" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(completer, general, domain)
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}
