package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/config"
)

// WhatsAppChannel implements a native WhatsApp client over whatsmeow's
// multi-device protocol. Conversation ids take the form "whatsapp:<jid>".
type WhatsAppChannel struct {
	BaseChannel
	config config.WhatsAppConfig

	client    *whatsmeow.Client
	container *sqlstore.Container
}

// NewWhatsAppChannel creates a WhatsApp channel adapter.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	if err := os.MkdirAll(filepath.Dir(c.config.SessionPath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp session dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.config.SessionPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("init whatsapp session db: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get whatsapp device: %w", err)
	}
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		// No session yet, pairing required.
		qrChan, _ := c.client.GetQRChannel(context.Background())
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		go c.handlePairing(qrChan)
	} else {
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		slog.Info("whatsapp channel connected")
	}

	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		if err := c.Send(context.Background(), msg); err != nil {
			slog.Warn("whatsapp send failed", "conversation", msg.ConversationID, "error", err)
		}
	})
	return nil
}

func (c *WhatsAppChannel) handlePairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == "code" {
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
				slog.Error("whatsapp qr write failed", "path", c.config.QRPath, "error", err)
				continue
			}
			slog.Info("whatsapp login QR saved, scan it with your phone", "path", c.config.QRPath)
		} else {
			slog.Info("whatsapp login event", "event", evt.Event)
		}
	}
}

func (c *WhatsAppChannel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := types.ParseJID(conversationTarget(msg.ConversationID, c.Name()))
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Text),
	})
	return err
}

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		content := extractText(v)
		if strings.TrimSpace(content) == "" {
			return
		}
		c.Bus.PublishInbound(&bus.InboundMessage{
			ConversationID: c.Name() + ":" + v.Info.Chat.String(),
			CallerID:       v.Info.Sender.User,
			AuthorName:     v.Info.PushName,
			RawText:        content,
			IsDirect:       v.Info.Chat.Server != types.GroupServer,
			Source:         c.Name(),
		})
	case *events.Disconnected:
		slog.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		slog.Warn("whatsapp session logged out, pairing required")
	}
}

// extractText pulls the text body out of the two message shapes WhatsApp
// uses for plain text. Media-only messages are skipped.
func extractText(v *events.Message) string {
	if t := v.Message.GetConversation(); t != "" {
		return t
	}
	return v.Message.GetExtendedTextMessage().GetText()
}
