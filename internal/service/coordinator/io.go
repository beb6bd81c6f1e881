package coordinator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/storage"
)

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *Coordinator) load(ctx context.Context, key domain.CartKey) (domain.CartRecord, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := c.now()
	record, err := c.storage.Load(opCtx, key)
	c.metrics.RecordStorageOp(storage.Backend(key), "load", metrics.ResultOf(err, domain.IsNotFound(err)), c.now().Sub(start))
	if err != nil && !domain.IsNotFound(err) {
		c.storageLogger(key).WithError(err).Warn("cart load failed")
	}
	return record, err
}

func (c *Coordinator) save(ctx context.Context, key domain.CartKey, record domain.CartRecord) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := c.now()
	err := c.storage.Save(opCtx, key, record)
	c.metrics.RecordStorageOp(storage.Backend(key), "save", metrics.ResultOf(err, false), c.now().Sub(start))
	if err != nil {
		c.storageLogger(key).WithError(err).Warn("cart save failed, keeping cart in memory")
		return err
	}
	c.storageLogger(key).WithField("items", len(record.Items)).Debug("cart saved")
	return nil
}

func (c *Coordinator) delete(ctx context.Context, key domain.CartKey) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := c.now()
	err := c.storage.Delete(opCtx, key)
	c.metrics.RecordStorageOp(storage.Backend(key), "delete", metrics.ResultOf(err, false), c.now().Sub(start))
	return err
}

func (c *Coordinator) storageLogger(key domain.CartKey) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"cart_key": key.String(),
		"backend":  storage.Backend(key),
	})
}

// publish отправляет событие; ошибка публикации не влияет на синхронизацию корзины.
func (c *Coordinator) publish(ctx context.Context, event domain.CartEvent) {
	if c.publisher == nil {
		return
	}
	event.OccurredAt = c.now().UTC()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.publisher.Publish(opCtx, event); err != nil {
		c.logger.WithError(err).WithField("event_type", string(event.Type)).Warn("cart event publish failed")
	}
}
