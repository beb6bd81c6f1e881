package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var publishedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cart_kafka_published_messages_total",
	Help: "Messages sent to Kafka by the producer grouped by topic and result.",
}, []string{"topic", "result"})

// Producer публикует JSON-сообщения через синхронный sarama producer.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// ProducerOption настраивает Producer и конфигурацию sarama.
type ProducerOption func(*producerSettings)

type producerSettings struct {
	clientID    string
	compression sarama.CompressionCodec
	logger      *log.Entry
}

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(clientID string) ProducerOption {
	return func(s *producerSettings) {
		if clientID != "" {
			s.clientID = clientID
		}
	}
}

// WithCompression переопределяет кодек сжатия (по умолчанию snappy).
func WithCompression(codec sarama.CompressionCodec) ProducerOption {
	return func(s *producerSettings) {
		s.compression = codec
	}
}

// WithProducerLogger задаёт logger.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(s *producerSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newProducerSettings(opts []ProducerOption) producerSettings {
	settings := producerSettings{
		compression: sarama.CompressionSnappy,
		logger:      log.WithField("component", "kafka-producer"),
	}
	for _, opt := range opts {
		opt(&settings)
	}
	return settings
}

// NewProducer подключается к брокерам. Producer идемпотентный и ждёт
// подтверждения от всех in-sync реплик.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	settings := newProducerSettings(opts)

	config := sarama.NewConfig()
	if settings.clientID != "" {
		config.ClientID = settings.clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = settings.compression
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // обязательно для Idempotent

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{producer: producer, logger: settings.logger, now: time.Now}, nil
}

// NewProducerFromClient оборачивает готовый SyncProducer (например, sarama/mocks).
// Опции, относящиеся к конфигурации sarama, здесь игнорируются.
func NewProducerFromClient(producer sarama.SyncProducer, opts ...ProducerOption) *Producer {
	settings := newProducerSettings(opts)
	return &Producer{producer: producer, logger: settings.logger, now: time.Now}
}

// PublishEvent сериализует событие в JSON и публикует его в topic.
func (p *Producer) PublishEvent(topic string, key string, event any, headers ...sarama.RecordHeader) error {
	payload, err := json.Marshal(event)
	if err != nil {
		publishedMessagesTotal.WithLabelValues(topic, "encode_error").Inc()
		return fmt.Errorf("marshal kafka event: %w", err)
	}
	return p.PublishRaw(topic, key, payload, headers...)
}

// PublishRaw публикует уже сериализованное значение без изменений.
func (p *Producer) PublishRaw(topic string, key string, value []byte, headers ...sarama.RecordHeader) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: p.now(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	fields := log.Fields{"topic": topic, "key": key}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		publishedMessagesTotal.WithLabelValues(topic, "failed").Inc()
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send kafka message to %s: %w", topic, err)
	}

	publishedMessagesTotal.WithLabelValues(topic, "ok").Inc()
	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// Close закрывает producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
