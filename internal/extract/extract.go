// Package extract converts Slack file attachments into plain text for the
// LLM context.
//
// Supported formats: PDF, Excel spreadsheets (first N rows per sheet),
// images (OCR), Word documents (paragraph concatenation) and plain text.
// Unknown types are skipped silently, as are attachments whose download
// fails; extraction always produces its best-effort concatenation in
// attachment order rather than an error.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// defaultMaxFetchBytes bounds a single attachment download.
const defaultMaxFetchBytes = 20 * 1024 * 1024

// Attachment describes one Slack file to extract: a private download URL
// plus the declared file type that selects the extraction routine.
type Attachment struct {
	Name       string
	Filetype   string // Slack's declared type, e.g. "pdf", "xlsx", "png"
	URLPrivate string
}

// Config contains the required parameters for the Extractor.
type Config struct {
	// Token authenticates attachment downloads (the Slack bot token).
	Token string

	// SheetRows is how many rows per sheet are rendered (default 10).
	SheetRows int

	// OCRLanguage is the tesseract language code (default "jpn").
	OCRLanguage string

	// MaxFetchBytes limits each download (default 20MB).
	MaxFetchBytes int64

	// Client overrides the HTTP client (nil = 30s-timeout default).
	Client *http.Client

	Logger log.Logger
}

// Extractor downloads attachments and dispatches them to format-specific
// text extraction.
type Extractor struct {
	token     string
	sheetRows int
	ocrLang   string
	maxFetch  int64
	client    *http.Client
	logger    log.Logger
}

// New creates an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("download token is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.SheetRows <= 0 {
		cfg.SheetRows = 10
	}
	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = "jpn"
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = defaultMaxFetchBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Extractor{
		token:     cfg.Token,
		sheetRows: cfg.SheetRows,
		ocrLang:   cfg.OCRLanguage,
		maxFetch:  cfg.MaxFetchBytes,
		client:    cfg.Client,
		logger:    cfg.Logger,
	}, nil
}

// Extract fetches every attachment and returns the concatenated text in
// attachment order. Attachments that cannot be fetched or parsed are
// skipped; the remaining ones still contribute.
func (e *Extractor) Extract(ctx context.Context, attachments []Attachment) string {
	var sb strings.Builder
	for _, att := range attachments {
		text, err := e.extractOne(ctx, att)
		if err != nil {
			e.logger.Warn("attachment extraction skipped",
				"name", att.Name, "filetype", att.Filetype, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func (e *Extractor) extractOne(ctx context.Context, att Attachment) (string, error) {
	routine := e.routineFor(att.Filetype)
	if routine == nil {
		e.logger.Debug("unsupported attachment type skipped",
			"name", att.Name, "filetype", att.Filetype)
		return "", nil
	}

	data, err := e.fetch(ctx, att.URLPrivate)
	if err != nil {
		return "", err
	}
	return routine(data)
}

// routineFor selects the extraction routine by declared file type.
// nil means the type is unsupported.
func (e *Extractor) routineFor(filetype string) func([]byte) (string, error) {
	switch strings.ToLower(filetype) {
	case "pdf":
		return e.pdfText
	case "xlsx", "xlsm", "xls":
		return e.sheetText
	case "png", "jpg", "jpeg", "gif", "bmp", "tiff":
		return e.imageText
	case "docx", "doc":
		return e.wordText
	case "txt", "text", "csv", "tsv", "markdown", "md", "log":
		return func(b []byte) (string, error) { return string(b), nil }
	default:
		return nil
	}
}

// fetch downloads one attachment with bearer authentication.
func (e *Extractor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxFetch))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}
