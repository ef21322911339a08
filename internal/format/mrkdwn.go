// Package format converts LLM output into Slack mrkdwn.
//
// Models emit Markdown-style double-asterisk emphasis; Slack renders
// single-asterisk bold. The conversion is idempotent so a response can be
// passed through the formatter any number of times without damage.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

// listLabelRe matches a bold label token at the start of a list item when
// the closing delimiter sits directly against a colon, e.g.
// "- **控除**: ...". Slack mis-renders this pattern unless only the label
// token is re-wrapped, so it is handled before the general pass.
var listLabelRe = regexp.MustCompile(`(?m)^(\s*[-*・]\s+)\*\*([^*\n:]+)\*\*(:)`)

// boldRe matches any remaining multi-asterisk emphasis span, including
// the bold-italic ***x*** form models also emit. Both delimiter runs are
// consumed whole and the content cannot start or end with an asterisk, so
// a rewrite never leaves a stray ** pair for a later pass to match.
var boldRe = regexp.MustCompile(`\*{2,}([^*\n](?:[^*\n]|\*[^*\n])*?)\*{2,}`)

// Formatter normalizes model output for Slack.
type Formatter struct {
	// RepairListLabels enables the list-label colon repair pass.
	RepairListLabels bool
}

// Format returns raw converted to Slack mrkdwn. Input without any matched
// pattern is returned unchanged, and Format(Format(x)) == Format(x).
func (f Formatter) Format(raw string) string {
	out := raw
	if f.RepairListLabels {
		out = listLabelRe.ReplaceAllString(out, "$1*$2*$3")
	}
	out = boldRe.ReplaceAllString(out, "*$1*")
	return out
}

// WithProvenance appends a tag naming the retrieval sources consulted for
// the answer. With no sources the text is returned unchanged.
func WithProvenance(text string, sources []string) string {
	if len(sources) == 0 {
		return text
	}
	return fmt.Sprintf("%s\n\n_検索ソース: %s_", text, strings.Join(sources, ", "))
}
