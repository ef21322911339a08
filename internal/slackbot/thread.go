package slackbot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/extract"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/pipeline"
)

// historyLimit caps how many thread messages one fetch pulls. Threads
// longer than this contribute their most recent messages only.
const historyLimit = 50

// mentionRe matches Slack user mention tokens like <@U12345ABC>.
var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// StripMentions removes mention tokens from message text and collapses
// the surrounding whitespace.
func StripMentions(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(mentionRe.ReplaceAllString(text, " ")), " "))
}

// conversationAPI is the subset of the Slack web API the adapter calls.
// *slack.Client satisfies it.
type conversationAPI interface {
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Thread reads conversation threads and maps them into pipeline turns.
// It also resolves the file attachments of the triggering message, which
// the mention event payload does not carry.
type Thread struct {
	api       conversationAPI
	botUserID string
	logger    log.Logger

	// Attachments and History both run for the same mention; the memo lets
	// them share one conversations.replies fetch per event.
	mu           sync.Mutex
	lastKey      replyKey
	lastMessages []slack.Message
	lastOK       bool
}

type replyKey struct {
	channel  string
	threadTS string
	eventTS  string
}

// NewThread creates a Thread reader. botUserID is the bot's own user id
// from auth.test; messages it authored map to assistant turns.
func NewThread(api conversationAPI, botUserID string, logger log.Logger) *Thread {
	return &Thread{api: api, botUserID: botUserID, logger: logger}
}

// History returns the thread's messages as turns, oldest first, excluding
// the triggering message at eventTS. Messages authored by the bot (or any
// bot integration) read as assistant turns, everything else as user turns.
func (t *Thread) History(ctx context.Context, channel, threadTS, eventTS string) ([]pipeline.Turn, error) {
	messages, err := t.replies(ctx, channel, threadTS, eventTS)
	if err != nil {
		return nil, err
	}

	var turns []pipeline.Turn
	for _, m := range messages {
		if m.Timestamp == eventTS {
			continue
		}
		text := StripMentions(m.Text)
		if text == "" {
			continue
		}
		role := pipeline.RoleUser
		if m.User == t.botUserID || m.BotID != "" {
			role = pipeline.RoleAssistant
		}
		turns = append(turns, pipeline.Turn{Role: role, Text: text})
	}
	return turns, nil
}

// Attachments returns the files attached to the message at eventTS. A
// lookup failure degrades to no attachments.
func (t *Thread) Attachments(ctx context.Context, channel, threadTS, eventTS string) []extract.Attachment {
	messages, err := t.replies(ctx, channel, threadTS, eventTS)
	if err != nil {
		t.logger.Warn("attachment lookup failed", "channel", channel, "error", err)
		return nil
	}

	for _, m := range messages {
		if m.Timestamp != eventTS {
			continue
		}
		attachments := make([]extract.Attachment, 0, len(m.Files))
		for _, f := range m.Files {
			attachments = append(attachments, extract.Attachment{
				Name:       f.Name,
				Filetype:   f.Filetype,
				URLPrivate: f.URLPrivate,
			})
		}
		return attachments
	}
	return nil
}

// replies fetches the thread's messages, reusing the previous fetch when it
// served the same event. Only the latest event is memoized; a mention in
// another thread, or a later mention in the same thread, fetches fresh.
func (t *Thread) replies(ctx context.Context, channel, threadTS, eventTS string) ([]slack.Message, error) {
	key := replyKey{channel: channel, threadTS: threadTS, eventTS: eventTS}

	t.mu.Lock()
	if t.lastOK && t.lastKey == key {
		messages := t.lastMessages
		t.mu.Unlock()
		return messages, nil
	}
	t.mu.Unlock()

	messages, _, _, err := t.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("conversations.replies %s/%s: %w", channel, threadTS, err)
	}

	t.mu.Lock()
	t.lastKey = key
	t.lastMessages = messages
	t.lastOK = true
	t.mu.Unlock()
	return messages, nil
}
