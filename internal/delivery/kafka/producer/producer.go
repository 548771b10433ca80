package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	kafka "github.com/observelab/termdemo/internal/delivery/kafka"
	"github.com/observelab/termdemo/pkg/logger"
)

type Producer interface {
	PublishQueueJoined(ctx context.Context, event kafka.QueueJoinedEvent) error
	PublishQueueLeft(ctx context.Context, event kafka.QueueLeftEvent) error
	PublishSessionStarted(ctx context.Context, event kafka.SessionStartedEvent) error
	PublishSessionEnded(ctx context.Context, event kafka.SessionEndedEvent) error
	Close() error
}

type implProducer struct {
	l    logger.Logger
	prod sarama.SyncProducer
}

func NewProducer(prod sarama.SyncProducer, l logger.Logger) Producer {
	return &implProducer{
		l:    l,
		prod: prod,
	}
}

func (p *implProducer) PublishQueueJoined(ctx context.Context, event kafka.QueueJoinedEvent) error {
	event.Timestamp = time.Now()
	return p.send(ctx, kafka.TopicQueueJoined, event.ClientID, event)
}

func (p *implProducer) PublishQueueLeft(ctx context.Context, event kafka.QueueLeftEvent) error {
	event.Timestamp = time.Now()
	return p.send(ctx, kafka.TopicQueueLeft, event.ClientID, event)
}

func (p *implProducer) PublishSessionStarted(ctx context.Context, event kafka.SessionStartedEvent) error {
	event.Timestamp = time.Now()
	return p.send(ctx, kafka.TopicSessionStarted, event.SessionID, event)
}

func (p *implProducer) PublishSessionEnded(ctx context.Context, event kafka.SessionEndedEvent) error {
	event.Timestamp = time.Now()
	return p.send(ctx, kafka.TopicSessionEnded, event.SessionID, event)
}

func (p *implProducer) send(ctx context.Context, topic, key string, event any) error {
	val, err := json.Marshal(event)
	if err != nil {
		p.l.Errorf(ctx, "delivery.kafka.producer.send: %v", err)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("timestamp"),
				Value: []byte(time.Now().Format(time.RFC3339)),
			},
		},
	}

	_, _, err = p.prod.SendMessage(msg)
	return err
}

func (p *implProducer) Close() error {
	return p.prod.Close()
}
