package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

func TestEventPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	occurredAt := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var decoded CartEventMessage
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Key() != domain.AccountKey("u-1") {
			return errors.New("unexpected cart key")
		}
		if decoded.PreviousKeyKind != domain.KeyKindGuest || decoded.PreviousKeyID != "s-1" {
			return errors.New("unexpected previous key")
		}
		if decoded.Source != "node-1" || decoded.ItemCount != 3 || !decoded.OccurredAt.Equal(occurredAt) {
			return errors.New("unexpected payload")
		}
		return nil
	})

	publisher := NewEventPublisher(NewProducerFromClient(mockProducer), "", "node-1")
	err := publisher.Publish(context.Background(), domain.CartEvent{
		Type:        domain.CartEventMerged,
		Key:         domain.AccountKey("u-1"),
		PreviousKey: domain.GuestKey("s-1"),
		ItemCount:   3,
		OccurredAt:  occurredAt,
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestEventPublisher_PublishFailure(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewEventPublisher(NewProducerFromClient(mockProducer), TopicCartEvents, "node-1")
	err := publisher.Publish(context.Background(), domain.CartEvent{Type: domain.CartEventUpdated, Key: domain.AccountKey("u-1")})

	assert.ErrorIs(t, err, domain.ErrEventPublish)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestEventPublisher_NotInitializedAndCanceled(t *testing.T) {
	t.Parallel()

	var nilPublisher *EventPublisher
	assert.ErrorIs(t, nilPublisher.Publish(context.Background(), domain.CartEvent{}), domain.ErrEventPublish)

	mockProducer := mocks.NewSyncProducer(t, nil)
	publisher := NewEventPublisher(NewProducerFromClient(mockProducer), TopicCartEvents, "node-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := publisher.Publish(ctx, domain.CartEvent{Type: domain.CartEventUpdated})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mockProducer.Close())
}

func TestParseCartEvent(t *testing.T) {
	t.Parallel()

	msg := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"cart.updated","source":"node-2","key_kind":"account","key_id":"u-1","item_count":2}`)}
	event, err := ParseCartEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, domain.CartEventUpdated, event.EventType)
	assert.Equal(t, domain.AccountKey("u-1"), event.Key())

	_, err = ParseCartEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	assert.Error(t, err)
}

func TestNewCartEventMessage_DefaultsTimestamp(t *testing.T) {
	t.Parallel()

	message := NewCartEventMessage("node-1", domain.CartEvent{Type: domain.CartEventIdentityChanged, Key: domain.GuestKey("s-1")})
	assert.False(t, message.OccurredAt.IsZero())
	assert.WithinDuration(t, time.Now(), message.OccurredAt, time.Second)
	assert.Empty(t, message.PreviousKeyID)
}
