package sim

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

// Publisher receives every stored message, e.g. for downstream
// notification consumers.
type Publisher interface {
	PublishMessageSent(ctx context.Context, m *models.Message) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) PublishMessageSent(context.Context, *models.Message) error { return nil }
func (nopPublisher) Close() error                                             { return nil }

type messageSentEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Message        models.Message `json:"message"`
	SentAt         time.Time      `json:"sentAt"`
}

type KafkaProducer struct {
	writer *kafkago.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaProducer{writer: w}
}

// PublishMessageSent keys by conversation so one conversation stays on one
// partition.
func (p *KafkaProducer) PublishMessageSent(ctx context.Context, m *models.Message) error {
	b, err := json.Marshal(messageSentEvent{
		Type:           "message.sent",
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		Message:        *m,
		SentAt:         m.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(m.ConversationID),
		Value: b,
		Time:  m.CreatedAt,
	})
}

func (p *KafkaProducer) Close() error { return p.writer.Close() }
