package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// EventPublisher публикует события корзины в заданный Kafka topic.
// Ключ сообщения: ключ корзины, поэтому события одной корзины попадают в одну partition.
type EventPublisher struct {
	producer *Producer
	topic    string
	source   string
}

// NewEventPublisher создаёт Kafka-паблишер событий корзины.
func NewEventPublisher(producer *Producer, topic, source string) *EventPublisher {
	if topic == "" {
		topic = TopicCartEvents
	}
	return &EventPublisher{
		producer: producer,
		topic:    topic,
		source:   source,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.CartEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka publisher is not initialized", domain.ErrEventPublish)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventPublish, err)
	}

	message := NewCartEventMessage(p.source, event)
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(event.Type)},
		{Key: []byte(HeaderSource), Value: []byte(p.source)},
	}
	if err := p.producer.PublishEvent(p.topic, event.Key.String(), message, headers...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventPublish, err)
	}
	return nil
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
