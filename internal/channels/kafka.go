package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/config"
)

// KafkaChannel bridges the orchestrator to Kafka topics for headless
// integrations. Inbound messages are JSON-encoded bus.InboundMessage values
// on the inbound topic; replies are written to the outbound topic keyed by
// conversation id.
type KafkaChannel struct {
	BaseChannel
	config config.KafkaConfig

	reader *kafka.Reader
	writer *kafka.Writer
	cancel context.CancelFunc
}

// NewKafkaChannel creates a Kafka bridge adapter.
func NewKafkaChannel(cfg config.KafkaConfig, messageBus *bus.MessageBus) *KafkaChannel {
	return &KafkaChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if len(c.config.Brokers) == 0 {
		return fmt.Errorf("kafka channel enabled but no brokers configured")
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    c.config.InboundTopic,
		GroupID:  c.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.writer = &kafka.Writer{
		Addr:     kafka.TCP(c.config.Brokers...),
		Topic:    c.config.OutboundTopic,
		Balancer: &kafka.LeastBytes{},
	}

	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		if err := c.Send(context.Background(), msg); err != nil {
			slog.Warn("kafka send failed", "conversation", msg.ConversationID, "error", err)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.consume(runCtx)
	slog.Info("kafka channel started", "inbound", c.config.InboundTopic, "outbound", c.config.OutboundTopic)
	return nil
}

func (c *KafkaChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.reader != nil {
		_ = c.reader.Close()
	}
	if c.writer != nil {
		return c.writer.Close()
	}
	return nil
}

func (c *KafkaChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.writer == nil {
		return fmt.Errorf("kafka writer not initialized")
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ConversationID),
		Value: value,
	})
}

func (c *KafkaChannel) consume(ctx context.Context) {
	for {
		raw, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("kafka read error", "topic", c.config.InboundTopic, "error", err)
			continue
		}
		msg, err := decodeInbound(raw.Value, c.Name())
		if err != nil {
			slog.Warn("kafka inbound rejected", "offset", raw.Offset, "error", err)
			continue
		}
		c.Bus.PublishInbound(msg)
	}
}

// decodeInbound parses one inbound record and pins its source and
// conversation prefix so replies route back through this bridge.
func decodeInbound(value []byte, name string) (*bus.InboundMessage, error) {
	var msg bus.InboundMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	if strings.TrimSpace(msg.ConversationID) == "" {
		return nil, fmt.Errorf("inbound record missing conversation_id")
	}
	if strings.TrimSpace(msg.CallerID) == "" {
		return nil, fmt.Errorf("inbound record missing caller_id")
	}
	msg.Source = name
	if !strings.HasPrefix(msg.ConversationID, name+":") {
		msg.ConversationID = name + ":" + msg.ConversationID
	}
	return &msg, nil
}
