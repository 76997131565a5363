package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	topicByEvent map[string]string
}

func NewKafkaPublisher(brokers []string, topic string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		topic:        topic,
		topicByEvent: topicByEvent,
	}, nil
}

// Publish は Key をパーティションキーにして1件書き込む。同一案件のイベントは順序が保たれる。
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	topic := p.topic
	if mapped, ok := p.topicByEvent[e.Type]; ok && mapped != "" {
		topic = mapped
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(e.Key),
		Value: body,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
