package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// CartRefresher: то, что умеет перечитать активную корзину.
type CartRefresher interface {
	ActiveKey() domain.CartKey
	RefreshCart(ctx context.Context) error
}

// NewRefreshHandler возвращает обработчик, который перечитывает активную корзину,
// когда другой экземпляр изменил ту же корзину аккаунта. Свои события и чужие корзины пропускаются.
func NewRefreshHandler(source string, refresher CartRefresher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "cart-refresh-listener")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseCartEvent(message)
		if err != nil {
			// Битое сообщение повторять бессмысленно.
			logger.WithError(err).Warn("skipping malformed cart event")
			return nil
		}
		if event.Source == source || !changesRemoteCart(event.EventType) {
			return nil
		}

		key := event.Key()
		if !key.IsAccount() || key != refresher.ActiveKey() {
			return nil
		}

		logger.WithFields(log.Fields{
			"cart_key":   key.String(),
			"event_type": string(event.EventType),
			"source":     event.Source,
		}).Info("cart changed on another instance, refreshing")
		if err := refresher.RefreshCart(ctx); err != nil {
			return fmt.Errorf("refresh cart %s: %w", key, err)
		}
		return nil
	}
}

func changesRemoteCart(eventType domain.CartEventType) bool {
	return eventType == domain.CartEventMerged || eventType == domain.CartEventUpdated
}
