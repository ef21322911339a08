package pipeline

import "strings"

// Detector flags drafts that hedge instead of answering, e.g. replies that
// ask the user to "check the latest information" or claim no access to
// current data. A flagged draft triggers the supplementary retrieval pass.
type Detector struct {
	phrases []string
}

// NewDetector builds a detector over the given hedging phrases. Empty or
// whitespace-only phrases are dropped.
func NewDetector(phrases []string) *Detector {
	d := &Detector{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// IsShallow reports whether the draft contains any hedging phrase,
// case-insensitively. An empty draft or an empty phrase list never matches.
func (d *Detector) IsShallow(draft string) bool {
	if draft == "" {
		return false
	}
	lowered := strings.ToLower(draft)
	for _, p := range d.phrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}
