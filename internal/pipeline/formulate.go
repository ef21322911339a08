package pipeline

import (
	"context"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// formulationDirective asks the model for bare search keywords, nothing
// else, so the output can go straight into a query string.
const formulationDirective = "次のユーザーの発言から、ウェブ検索に使う検索キーワードを抽出してください。" +
	"キーワードのみをスペース区切りで出力し、説明や記号は付けないでください。"

// formulate compacts the utterance into a search query with one LLM call.
// Any failure, or an empty or implausibly long result, falls back to the
// trimmed utterance so retrieval still runs.
func (p *Pipeline) formulate(ctx context.Context, utterance string, logger log.Logger) string {
	if utterance == "" {
		return ""
	}

	messages := []*ai.Message{
		ai.NewSystemMessage(ai.NewTextPart(formulationDirective)),
		ai.NewUserMessage(ai.NewTextPart(utterance)),
	}
	out, err := p.complete(ctx, messages)
	if err != nil {
		logger.Warn("query formulation failed, using utterance", "error", err)
		return utterance
	}

	query := strings.TrimSpace(out)
	if query == "" || len([]rune(query)) > 2*len([]rune(utterance))+32 {
		logger.Debug("query formulation produced unusable output, using utterance")
		return utterance
	}
	return query
}
