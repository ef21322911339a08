package extract

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// imageText runs tesseract OCR over the image in the configured language.
func (e *Extractor) imageText(data []byte) (string, error) {
	client := gosseract.NewClient()
	defer func() { _ = client.Close() }()

	if err := client.SetLanguage(e.ocrLang); err != nil {
		return "", fmt.Errorf("set ocr language %q: %w", e.ocrLang, err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}
