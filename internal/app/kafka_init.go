package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/messaging/kafka"
)

const refreshMaxRetries = 3

// initKafkaProducer инициализирует Kafka producer, если заданы брокеры.
// Возвращает nil, nil если брокеров нет. Ошибку создания вызывающий код
// только логирует: корзина работает и без событий.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers,
		kafka.WithClientID(cfg.KafkaClientID),
		kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return producer, nil
}

// refreshGroupID: у каждого экземпляра своя consumer group, чтобы события
// получали все экземпляры, а не один из них.
func refreshGroupID(cfg Config) string {
	return cfg.KafkaGroupID + "-" + cfg.InstanceID
}

// startRefreshConsumer подписывает координатор на изменения корзин с других экземпляров.
func startRefreshConsumer(ctx context.Context, cfg Config, dlq *kafka.Producer, refresher kafka.CartRefresher, logger *log.Entry) (*kafka.Consumer, error) {
	if !cfg.KafkaListen || len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	handler := kafka.NewRefreshHandler(cfg.InstanceID, refresher, logger.WithField("component", "cart-refresh-listener"))
	options := []kafka.ConsumerOption{
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
		kafka.WithMaxRetries(refreshMaxRetries),
	}
	if dlq != nil {
		options = append(options, kafka.WithDeadLetter(dlq, kafka.TopicDeadLetterQueue))
	}
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, refreshGroupID(cfg), []string{cfg.KafkaTopic}, handler, options...)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

// closeKafka останавливает consumer и закрывает producer, если они есть.
func closeKafka(consumer *kafka.Consumer, producer *kafka.Producer, logger *log.Entry) {
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
