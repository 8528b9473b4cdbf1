package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hub-otp/internal/domain"
	"github.com/segmentio/kafka-go"
)

var ErrBrokersRequired = errors.New("kafka: brokers are required")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes OTP lifecycle events to a single topic. Messages are keyed
// by app and identity so one identity's events stay ordered in a partition.
type Publisher struct {
	w messageWriter
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{w: w}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.AppID + "|" + ev.Identity),
		Value:   value,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error { return nil }

func (Noop) Close() error { return nil }
