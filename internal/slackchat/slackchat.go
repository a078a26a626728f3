// Package slackchat is the bridge's sole chatprovider.Provider
// implementation: a Slack Socket Mode client that posts/updates
// messages, manages channel membership, and demultiplexes inbound
// Events API payloads into provider-agnostic chatprovider.Events
// (spec.md §6 "Addition: chat provider capability interface",
// original_source/core/slack_listener.py's App/SocketModeHandler
// lifecycle).
package slackchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/ws"
)

// rateLimit bounds outbound Web API calls well under Slack's Tier 3
// per-method limits, mirroring the teacher's bandwidth-metering use of
// golang.org/x/time/rate for the relay's outbound stream.
const rateLimit = rate.Limit(3) // ~3 req/s sustained

// Config configures a Provider.
type Config struct {
	BotToken string
	AppToken string
}

// Provider implements chatprovider.Provider over Slack Socket Mode.
type Provider struct {
	api     *slack.Client
	sm      *socketmode.Client
	limiter *rate.Limiter
	log     *slog.Logger
	botUser string
}

// New dials nothing yet; it constructs the API and Socket Mode clients.
// The bot's own user id is resolved lazily on first Subscribe so
// AuthTest only runs once the caller actually wants to listen.
func New(cfg Config) *Provider {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	sm := socketmode.New(api)
	return &Provider{
		api:     api,
		sm:      sm,
		limiter: rate.NewLimiter(rateLimit, 1),
		log:     logger.With("slackchat"),
	}
}

func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Provider) PostMessage(ctx context.Context, channelID, threadTS, text string, blocks []chatprovider.Block) (*chatprovider.Message, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if sb := toSlackBlocks(blocks); len(sb) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(sb...))
	}
	ch, ts, err := p.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return &chatprovider.Message{ChannelID: ch, TS: ts, ThreadTS: threadTS, Text: text, Blocks: blocks}, nil
}

func (p *Provider) UpdateMessage(ctx context.Context, channelID, ts, text string, blocks []chatprovider.Block) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if sb := toSlackBlocks(blocks); len(sb) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(sb...))
	}
	_, _, _, err := p.api.UpdateMessageContext(ctx, channelID, ts, opts...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (p *Provider) DeleteMessage(ctx context.Context, channelID, ts string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, _, err := p.api.DeleteMessageContext(ctx, channelID, ts)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (p *Provider) AddReaction(ctx context.Context, channelID, ts, name string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	err := p.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channelID, ts))
	if err != nil && !strings.Contains(err.Error(), "already_reacted") {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (p *Provider) GetMessage(ctx context.Context, channelID, ts string) (*chatprovider.Message, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := p.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation history: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	return &chatprovider.Message{
		ChannelID: channelID,
		TS:        m.Timestamp,
		ThreadTS:  m.ThreadTimestamp,
		Text:      m.Text,
		Blocks:    fromSlackBlocks(m.Blocks),
	}, nil
}

func (p *Provider) ListChannels(ctx context.Context) ([]chatprovider.Channel, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	var out []chatprovider.Channel
	cursor := ""
	for {
		chans, next, err := p.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Types:           []string{"public_channel", "private_channel"},
			ExcludeArchived: true,
			Limit:           200,
			Cursor:          cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range chans {
			out = append(out, chatprovider.Channel{ID: c.ID, Name: c.Name, IsArchived: c.IsArchived})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func (p *Provider) JoinChannel(ctx context.Context, channelID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, _, _, err := p.api.JoinConversationContext(ctx, channelID)
	if err != nil && !strings.Contains(err.Error(), "already_in_channel") {
		return fmt.Errorf("join conversation: %w", err)
	}
	return nil
}

func (p *Provider) CreateChannel(ctx context.Context, name string) (*chatprovider.Channel, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	ch, err := p.api.CreateConversationContext(ctx, slack.CreateConversationParams{ChannelName: name})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &chatprovider.Channel{ID: ch.ID, Name: ch.Name}, nil
}

// Subscribe runs the Socket Mode event loop until ctx is canceled,
// reconnecting with the teacher's backoff on transient failures
// (internal/ws.Backoff, Factor 2 default — doubling, not the
// Listener's tripling schedule).
func (p *Provider) Subscribe(ctx context.Context, handler func(chatprovider.Event)) error {
	auth, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("auth test: %w", err)
	}
	p.botUser = auth.UserID

	backoff := ws.NewBackoff(1*time.Second, 30*time.Second)

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.sm.RunContext(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.sm.Events:
			p.handleSocketEvent(ctx, ev, handler)
			backoff.Reset()
		case err := <-runDone:
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("socket mode run loop exited, reconnecting", "err", err)
			delay := backoff.Next()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			go func() {
				runDone <- p.sm.RunContext(ctx)
			}()
		}
	}
}

func (p *Provider) handleSocketEvent(ctx context.Context, evt socketmode.Event, handler func(chatprovider.Event)) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			p.sm.Ack(*evt.Request)
		}
		p.dispatchInnerEvent(ctx, eventsAPIEvent, handler)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			p.sm.Ack(*evt.Request)
		}
		p.dispatchInteraction(cb, handler)
	}
}

func (p *Provider) dispatchInnerEvent(ctx context.Context, outer slackevents.EventsAPIEvent, handler func(chatprovider.Event)) {
	switch inner := outer.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if inner.User == p.botUser {
			return
		}
		handler(chatprovider.Event{
			Kind:      chatprovider.EventMessage,
			ChannelID: inner.Channel,
			ThreadTS:  firstNonEmpty(inner.ThreadTimeStamp, inner.TimeStamp),
			UserID:    inner.User,
			Text:      stripMention(inner.Text),
			TS:        inner.TimeStamp,
		})

	case *slackevents.MessageEvent:
		if inner.BotID != "" || inner.User == p.botUser || inner.User == "" {
			return
		}
		kind := chatprovider.EventMessage
		if inner.ThreadTimeStamp != "" {
			kind = chatprovider.EventThreadReply
		}
		handler(chatprovider.Event{
			Kind:      kind,
			ChannelID: inner.Channel,
			ThreadTS:  inner.ThreadTimeStamp,
			UserID:    inner.User,
			Text:      inner.Text,
			TS:        inner.TimeStamp,
			IsDM:      inner.ChannelType == "im",
		})

	case *slackevents.ReactionAddedEvent:
		if inner.User == p.botUser {
			return
		}
		handler(chatprovider.Event{
			Kind:         chatprovider.EventReaction,
			ChannelID:    inner.Item.Channel,
			UserID:       inner.User,
			ReactionName: inner.Reaction,
			ReactionTS:   inner.Item.Timestamp,
		})
	}
}

func (p *Provider) dispatchInteraction(cb slack.InteractionCallback, handler func(chatprovider.Event)) {
	for _, action := range cb.ActionCallback.BlockActions {
		handler(chatprovider.Event{
			Kind:        chatprovider.EventButtonClick,
			ChannelID:   cb.Channel.ID,
			ThreadTS:    cb.Message.ThreadTimestamp,
			UserID:      cb.User.ID,
			ActionID:    action.ActionID,
			ActionValue: action.Value,
			MessageTS:   cb.Message.Timestamp,
		})
	}
}

// stripMention removes the leading "<@BOTID>" Slack prepends to
// app_mention text.
func stripMention(text string) string {
	if idx := strings.Index(text, ">"); idx != -1 && strings.HasPrefix(text, "<@") {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toSlackBlocks(blocks []chatprovider.Block) []slack.Block {
	var out []slack.Block
	for _, b := range blocks {
		switch b.Kind {
		case chatprovider.BlockText:
			sb := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, b.Text, false, false), nil, nil)
			sb.BlockID = b.ID
			out = append(out, sb)
		case chatprovider.BlockButtons:
			var elems []slack.BlockElement
			for _, btn := range b.Buttons {
				el := slack.NewButtonBlockElement(btn.ActionID, btn.Value, slack.NewTextBlockObject(slack.PlainTextType, btn.Label, false, false))
				if btn.Style != "" {
					el.Style = slack.Style(btn.Style)
				}
				elems = append(elems, el)
			}
			out = append(out, slack.NewActionBlock(b.ID, elems...))
		}
	}
	return out
}

func fromSlackBlocks(blocks slack.Blocks) []chatprovider.Block {
	var out []chatprovider.Block
	for _, raw := range blocks.BlockSet {
		switch b := raw.(type) {
		case *slack.SectionBlock:
			text := ""
			if b.Text != nil {
				text = b.Text.Text
			}
			out = append(out, chatprovider.Block{Kind: chatprovider.BlockText, ID: string(b.BlockID), Text: text})
		case *slack.ActionBlock:
			out = append(out, chatprovider.Block{Kind: chatprovider.BlockButtons, ID: string(b.BlockID)})
		}
	}
	return out
}
