package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/config"
)

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record value written to Kafka.
type Envelope struct {
	Kind       bus.Kind  `json:"kind"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}

// Kafka produces every event to one topic, keyed by instance id so that an
// instance's events stay ordered within a partition.
type Kafka struct {
	w MessageWriter
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka sink: no topic configured")
	}
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}), nil
}

func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{w: w}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Deliver(ctx context.Context, ev bus.Event) error {
	value, err := json.Marshal(Envelope{
		Kind:       ev.Kind,
		InstanceID: ev.InstanceID,
		Timestamp:  ev.Timestamp,
		Payload:    ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", ev.Kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.InstanceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "instance", Value: []byte(ev.InstanceID)},
		},
		Time: ev.Timestamp,
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", ev.Kind, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }
