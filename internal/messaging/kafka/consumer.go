package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

var consumedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cart_kafka_consumed_messages_total",
	Help: "Cart event messages handled by the consumer grouped by outcome.",
}, []string{"topic", "result"})

// MessageHandler обрабатывает одно сообщение; ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// DeadLetterPublisher принимает сообщения, которые не удалось обработать.
type DeadLetterPublisher interface {
	PublishEvent(topic string, key string, event any, headers ...sarama.RecordHeader) error
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxRetries задаёт общее число попыток обработки, включая попытки до replay из DLQ.
func WithMaxRetries(maxRetries int) ConsumerOption {
	return func(c *Consumer) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
	}
}

// WithRetryDelay задаёт базовую паузу между попытками; n-я пауза равна n*delay.
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithDeadLetter включает отправку необработанных сообщений в topic.
func WithDeadLetter(publisher DeadLetterPublisher, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = publisher
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// Consumer читает события корзины через consumer group.
// Сообщение подтверждается после успешной обработки или после записи в DLQ.
type Consumer struct {
	group      sarama.ConsumerGroup
	groupID    string
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	dlq        DeadLetterPublisher
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewConsumer подключается к брокерам как участник groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// старые события не нужны: новый экземпляр и так читает корзину при старте
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, groupID, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		groupID:    groupID,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Start запускает чтение в фоне до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("kafka consumer handler is nil")
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("kafka consume failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("kafka consumer group error")
		}
	}()

	c.logger.WithFields(log.Fields{"topics": c.topics, "group": c.groupID}).Info("kafka consumer started")
	return nil
}

// Stop закрывает consumer group и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(messageFields(message)).Error("cart event left unacknowledged")
				// без MarkMessage сообщение перечитается после rebalance
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process делает оставшиеся попытки и при неудаче перекладывает сообщение в DLQ.
// Попытки, уже сделанные до replay (заголовок x-retry-count), вычитаются из лимита.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	retryCount := RetryCount(message.Headers)
	attempts := max(c.maxRetries-retryCount, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			result := "ok"
			if attempt > 1 {
				result = "retried"
			}
			consumedMessagesTotal.WithLabelValues(message.Topic, result).Inc()
			return nil
		}
		if attempt == attempts {
			break
		}
		c.logger.WithError(err).WithFields(messageFields(message)).WithField("attempt", attempt).Warn("cart event handling failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.retryDelay):
		}
	}

	if c.dlq == nil {
		consumedMessagesTotal.WithLabelValues(message.Topic, "failed").Inc()
		return err
	}

	record := NewDeadLetterRecord(message, c.groupID, retryCount, err, c.now())
	if dlqErr := c.dlq.PublishEvent(c.dlqTopic, string(message.Key), record); dlqErr != nil {
		consumedMessagesTotal.WithLabelValues(message.Topic, "failed").Inc()
		return fmt.Errorf("send to dead letter queue: %w", errors.Join(err, dlqErr))
	}

	consumedMessagesTotal.WithLabelValues(message.Topic, "dead_lettered").Inc()
	c.logger.WithError(err).WithFields(messageFields(message)).WithField("dlq_topic", c.dlqTopic).Warn("cart event moved to dead letter queue")
	return nil
}

func messageFields(message *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
}
