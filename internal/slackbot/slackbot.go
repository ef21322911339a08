// Package slackbot connects the response pipeline to Slack over Socket
// Mode. It listens for app mentions, runs one pipeline pass per mention,
// and posts the answer back into the thread the mention came from.
package slackbot

import (
	"context"
	"errors"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/pipeline"
)

// eventTimeout bounds one mention's full pass, retries included.
const eventTimeout = 2 * time.Minute

// apologyReply is posted when the pipeline cannot produce an answer. The
// event is not retried; the user can mention the bot again.
const apologyReply = "申し訳ありません。回答の生成中にエラーが発生しました。しばらくしてからもう一度お試しください。"

// Responder runs the response pass for one mention.
type Responder interface {
	Respond(ctx context.Context, ev pipeline.Event) (pipeline.Answer, error)
}

// Config contains all required parameters for the Bot.
type Config struct {
	Client    *slack.Client // created with an app-level token
	Responder Responder
	Thread    *Thread
	BotUserID string
	Logger    log.Logger
}

// Bot is the Socket Mode event loop. One goroutine per mention; Slack
// enforces ordering only within a connection, and replies land in their
// thread regardless of completion order.
type Bot struct {
	socket    *socketmode.Client
	poster    conversationAPI
	responder Responder
	thread    *Thread
	botUserID string
	logger    log.Logger
}

// New creates a Bot. The Socket Mode connection is not opened until Run.
func New(cfg Config) (*Bot, error) {
	if cfg.Client == nil {
		return nil, errors.New("slack client is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.Thread == nil {
		return nil, errors.New("thread reader is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	return &Bot{
		socket:    socketmode.New(cfg.Client),
		poster:    cfg.Client,
		responder: cfg.Responder,
		thread:    cfg.Thread,
		botUserID: cfg.BotUserID,
		logger:    cfg.Logger,
	}, nil
}

// Run opens the Socket Mode connection and dispatches events until ctx is
// canceled or the connection fails permanently.
func (b *Bot) Run(ctx context.Context) error {
	go b.dispatch(ctx)
	return b.socket.RunContext(ctx)
}

func (b *Bot) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			b.handleSocketEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info("connecting to slack")
	case socketmode.EventTypeConnected:
		b.logger.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			// Ack before the pipeline runs so Slack does not redeliver
			// while a slow pass is in flight.
			b.socket.Ack(*evt.Request)
		}
		b.handleEventsAPI(ctx, payload)
	}
}

func (b *Bot) handleEventsAPI(ctx context.Context, payload slackevents.EventsAPIEvent) {
	if payload.Type != slackevents.CallbackEvent {
		return
	}
	mention, ok := payload.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok {
		return
	}
	// Ignore mentions authored by integrations, including this bot.
	if mention.BotID != "" || mention.User == b.botUserID {
		return
	}
	go b.handleMention(ctx, mention)
}

// handleMention runs one pipeline pass and posts the reply in-thread.
func (b *Bot) handleMention(ctx context.Context, mention *slackevents.AppMentionEvent) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	threadTS := mention.ThreadTimeStamp
	if threadTS == "" {
		threadTS = mention.TimeStamp
	}

	ev := pipeline.Event{
		Text:        StripMentions(mention.Text),
		Channel:     mention.Channel,
		ThreadTS:    threadTS,
		TS:          mention.TimeStamp,
		UserID:      mention.User,
		Attachments: b.thread.Attachments(ctx, mention.Channel, threadTS, mention.TimeStamp),
	}

	logger := b.logger.With("channel", ev.Channel, "thread_ts", ev.ThreadTS, "user", ev.UserID)
	logger.Info("handling mention", "attachments", len(ev.Attachments))

	reply := apologyReply
	answer, err := b.responder.Respond(ctx, ev)
	if err != nil {
		logger.Error("response pass failed", "error", err)
	} else {
		reply = answer.Formatted
	}

	if _, _, err := b.poster.PostMessageContext(ctx, ev.Channel,
		slack.MsgOptionText(reply, false),
		slack.MsgOptionTS(ev.ThreadTS),
	); err != nil {
		logger.Error("posting reply failed", "error", err)
	}
}
