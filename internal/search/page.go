package search

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// PageName identifies deepened page content in provenance tags.
const PageName = "page"

// DeepenerConfig bounds the page fetcher. Zero values get defaults.
type DeepenerConfig struct {
	Parallelism  int           // max concurrent requests per domain (default 2)
	Delay        time.Duration // delay between requests (default 1s)
	Timeout      time.Duration // per-request timeout (default 15s)
	PerPageChars int           // extracted-text cap per page (default 1500)
	Logger       log.Logger
}

// Deepener expands search-result URLs into readable page text for the
// supplementary retrieval pass. Snippets alone are often too thin to lift
// a hedging answer; the full article text usually is not.
type Deepener struct {
	parallelism  int
	delay        time.Duration
	timeout      time.Duration
	perPageChars int
	logger       log.Logger
}

// NewDeepener creates a page deepener.
func NewDeepener(cfg DeepenerConfig) (*Deepener, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PerPageChars <= 0 {
		cfg.PerPageChars = 1500
	}
	return &Deepener{
		parallelism:  cfg.Parallelism,
		delay:        cfg.Delay,
		timeout:      cfg.Timeout,
		perPageChars: cfg.PerPageChars,
		logger:       cfg.Logger,
	}, nil
}

// Deepen fetches the given URLs and returns one snippet of readable text
// per reachable page, preserving input order. Unreachable or unparseable
// pages are skipped.
func (d *Deepener) Deepen(urls []string) []Snippet {
	if len(urls) == 0 {
		return nil
	}

	texts := make(map[string]string, len(urls))
	var mu sync.Mutex

	c := colly.NewCollector(colly.Async(true))
	c.SetRequestTimeout(d.timeout)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: d.parallelism,
		Delay:       d.delay,
	})

	c.OnResponse(func(r *colly.Response) {
		text := d.extract(r.Body, r.Request.URL)
		if text == "" {
			return
		}
		mu.Lock()
		texts[r.Request.URL.String()] = text
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		d.logger.Warn("page fetch failed", "url", r.Request.URL.String(), "error", err)
	})

	for _, u := range urls {
		if err := c.Visit(u); err != nil {
			d.logger.Warn("page visit rejected", "url", u, "error", err)
		}
	}
	c.Wait()

	snippets := make([]Snippet, 0, len(texts))
	for _, u := range urls {
		if text, ok := texts[u]; ok {
			snippets = append(snippets, Snippet{Source: PageName, Text: text})
		}
	}
	return snippets
}

// extract reduces an HTML page to its readable text, capped at
// perPageChars runes. Readability first; a goquery paragraph sweep when
// readability finds no article body.
func (d *Deepener) extract(body []byte, pageURL *url.URL) string {
	var text string
	if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
		text = article.TextContent
	}

	if strings.TrimSpace(text) == "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return ""
		}
		var sb strings.Builder
		doc.Find("main p, article p, p").Each(func(_ int, sel *goquery.Selection) {
			if t := strings.TrimSpace(sel.Text()); t != "" {
				sb.WriteString(t)
				sb.WriteString("\n")
			}
		})
		text = sb.String()
	}

	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > d.perPageChars {
		text = string(runes[:d.perPageChars])
	}
	return text
}
