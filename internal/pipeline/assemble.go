package pipeline

import (
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/search"
)

const (
	searchEvidenceLabel = "検索結果:"
	docEvidenceLabel    = "添付ファイルの内容:"
	evidenceInstruction = "上記の情報を参考に質問に答えてください。"
)

// assemble builds the message list for synthesis.
//
// The list always starts with exactly one system turn carrying the
// persona. Thread context replays prior turns in chronological order and
// appends the triggering message; single context sends only the triggering
// message. When evidence exists (snippets or extracted attachment text) it
// is appended as one labeled user turn after the question.
func (p *Pipeline) assemble(turns []Turn, utterance, docText string, snippets []search.Snippet) []*ai.Message {
	messages := []*ai.Message{ai.NewSystemMessage(ai.NewTextPart(p.policy.Persona))}

	if p.policy.Context == ContextThread {
		for _, t := range turns {
			if t.Text == "" {
				continue
			}
			// Anything not clearly from the bot reads as a user turn.
			if t.Role == RoleAssistant {
				messages = append(messages, ai.NewModelMessage(ai.NewTextPart(t.Text)))
			} else {
				messages = append(messages, ai.NewUserMessage(ai.NewTextPart(t.Text)))
			}
		}
	}

	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(utterance)))

	if len(snippets) > 0 || docText != "" {
		messages = append(messages, evidenceMessage(snippets, docText))
	}

	return messages
}

// evidenceMessage renders retrieval snippets and attachment text as one
// labeled user turn.
func evidenceMessage(snippets []search.Snippet, docText string) *ai.Message {
	var b strings.Builder
	if len(snippets) > 0 {
		b.WriteString(searchEvidenceLabel)
		b.WriteString("\n")
		b.WriteString(search.JoinTexts(snippets))
	}
	if docText != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(docEvidenceLabel)
		b.WriteString("\n")
		b.WriteString(docText)
	}
	b.WriteString("\n\n")
	b.WriteString(evidenceInstruction)
	return ai.NewUserMessage(ai.NewTextPart(b.String()))
}
