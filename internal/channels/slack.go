package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/config"
)

// SlackChannel is a Socket Mode adapter. Inbound events become bus messages
// with conversation ids of the form "slack:<channel>".
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig

	api       *slack.Client
	sm        *socketmode.Client
	botUserID string
	botName   string
	cancel    context.CancelFunc
}

// NewSlackChannel creates a Slack channel adapter.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if strings.TrimSpace(c.config.BotToken) == "" || strings.TrimSpace(c.config.AppToken) == "" {
		return fmt.Errorf("slack channel enabled but bot_token or app_token missing")
	}

	c.api = slack.New(c.config.BotToken, slack.OptionAppLevelToken(c.config.AppToken))
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.botName = auth.User
	c.sm = socketmode.New(c.api)

	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		if err := c.Send(context.Background(), msg); err != nil {
			slog.Warn("slack send failed", "conversation", msg.ConversationID, "error", err)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := c.sm.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()
	slog.Info("slack channel started", "bot_user", c.botName)
	return nil
}

func (c *SlackChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.api == nil {
		return fmt.Errorf("slack client not initialized")
	}
	channelID := conversationTarget(msg.ConversationID, c.Name())
	_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(msg.Text, false))
	return err
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sm.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				c.sm.Ack(*evt.Request)
			}
			ev, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || ev.Type != slackevents.CallbackEvent {
				continue
			}
			if in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && in != nil {
				c.handleMessage(in)
			}
		}
	}
}

func (c *SlackChannel) handleMessage(in *slackevents.MessageEvent) {
	// Ignore our own posts and other bots, and edits/joins carried as
	// message subtypes.
	if in.User == "" || in.User == c.botUserID || in.BotID != "" || in.SubType != "" {
		return
	}
	c.Bus.PublishInbound(&bus.InboundMessage{
		ConversationID: c.Name() + ":" + in.Channel,
		CallerID:       in.User,
		RawText:        normalizeMention(in.Text, c.botUserID, c.botName),
		IsDirect:       in.ChannelType == "im",
		Source:         c.Name(),
	})
}

// normalizeMention rewrites Slack's "<@U123>" mention markup into the plain
// "@name" form the trigger matcher is configured with.
func normalizeMention(text, botUserID, botName string) string {
	if botUserID == "" {
		return text
	}
	return strings.ReplaceAll(text, "<@"+botUserID+">", "@"+botName)
}

// conversationTarget strips the adapter prefix from a conversation id,
// leaving the platform-native chat identifier.
func conversationTarget(conversationID, name string) string {
	return strings.TrimPrefix(conversationID, name+":")
}
