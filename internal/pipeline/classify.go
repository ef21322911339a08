package pipeline

import "strings"

// Classifier routes queries between the general and the domain search
// source by keyword match. Matching is a case-insensitive substring scan,
// which is also the right granularity for Japanese terms that are not
// word-delimited.
type Classifier struct {
	terms []string
}

// NewClassifier builds a classifier over the given domain terms. Empty or
// whitespace-only terms are dropped.
func NewClassifier(terms []string) *Classifier {
	c := &Classifier{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			c.terms = append(c.terms, t)
		}
	}
	return c
}

// IsDomain reports whether the query contains any domain term. A query
// matching no term, or an empty term list, routes to the general source.
func (c *Classifier) IsDomain(query string) bool {
	q := strings.ToLower(query)
	for _, t := range c.terms {
		if strings.Contains(q, t) {
			return true
		}
	}
	return false
}
