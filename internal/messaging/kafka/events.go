// Package kafka публикует события корзины и слушает изменения с других экземпляров.
package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Topics для Kafka
const (
	TopicCartEvents      = "cart.sync.events"
	TopicDeadLetterQueue = "cart.sync.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderEventType  = "x-event-type"
	HeaderSource     = "x-source"
	HeaderRetryCount = "x-retry-count"
)

// CartEventMessage: JSON-представление события корзины в топике.
type CartEventMessage struct {
	EventType       domain.CartEventType `json:"event_type"`
	Source          string               `json:"source"`
	KeyKind         domain.KeyKind       `json:"key_kind"`
	KeyID           string               `json:"key_id"`
	PreviousKeyKind domain.KeyKind       `json:"previous_key_kind,omitempty"`
	PreviousKeyID   string               `json:"previous_key_id,omitempty"`
	ItemCount       int                  `json:"item_count"`
	Reason          string               `json:"reason,omitempty"`
	OccurredAt      time.Time            `json:"occurred_at"`
}

// NewCartEventMessage создаёт сообщение из доменного события.
// source: идентификатор экземпляра, чтобы слушатели могли пропускать свои события.
func NewCartEventMessage(source string, event domain.CartEvent) CartEventMessage {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return CartEventMessage{
		EventType:       event.Type,
		Source:          source,
		KeyKind:         event.Key.Kind,
		KeyID:           event.Key.ID,
		PreviousKeyKind: event.PreviousKey.Kind,
		PreviousKeyID:   event.PreviousKey.ID,
		ItemCount:       event.ItemCount,
		Reason:          event.Reason,
		OccurredAt:      occurredAt,
	}
}

// Key возвращает ключ корзины, к которой относится событие.
func (m CartEventMessage) Key() domain.CartKey {
	return domain.CartKey{Kind: m.KeyKind, ID: m.KeyID}
}

// ParseCartEvent парсит CartEventMessage из сообщения
func ParseCartEvent(message *sarama.ConsumerMessage) (*CartEventMessage, error) {
	var event CartEventMessage
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart event: %w", err)
	}
	return &event, nil
}

// DeadLetterRecord описывает запись в DLQ, то есть исходное сообщение и причину, по которой его не смогли обработать.
type DeadLetterRecord struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	ConsumerGroup     string    `json:"consumer_group,omitempty"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// NewDeadLetterRecord собирает запись DLQ для сообщения, обработка которого не удалась.
func NewDeadLetterRecord(message *sarama.ConsumerMessage, group string, retryCount int, cause error, failedAt time.Time) DeadLetterRecord {
	record := DeadLetterRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ConsumerGroup:     group,
		RetryCount:        retryCount,
		FailedAt:          failedAt.UTC(),
	}
	if cause != nil {
		record.ErrorMessage = cause.Error()
	}
	return record
}

// ParseDeadLetterRecord декодирует запись DLQ.
func ParseDeadLetterRecord(value []byte) (DeadLetterRecord, error) {
	var record DeadLetterRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to unmarshal dead letter record: %w", err)
	}
	return record, nil
}

// RetryCount читает заголовок x-retry-count; отсутствующий или битый заголовок означает ноль.
func RetryCount(headers []*sarama.RecordHeader) int {
	for _, header := range headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil && count > 0 {
			return count
		}
	}
	return 0
}
