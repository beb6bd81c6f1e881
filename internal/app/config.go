package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/cartsync/internal/storage/resilient"
)

// Драйверы локального хранилища устройства.
const (
	LocalDriverMemory = "memory"
	LocalDriverSQLite = "sqlite"
)

// Драйверы удалённого хранилища корзин аккаунтов.
const (
	RemoteDriverMemory    = "memory"
	RemoteDriverPostgres  = "postgres"
	RemoteDriverFirestore = "firestore"
)

// EnvPrefix: префикс переменных окружения (CART_HTTP_ADDR и т.д.).
const EnvPrefix = "CART"

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	MetricsAddr    string
	LogLevel       string
	InstanceID     string
	AllowedOrigins []string
	SettleTimeout  time.Duration

	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration

	LocalDriver string
	SQLitePath  string

	RemoteDriver        string
	PostgresDSN         string
	PostgresAutoMigrate bool
	FirestoreProjectID  string
	FirestoreCredFile   string

	FirebaseAuthEnabled bool
	FirebaseProjectID   string
	FirebaseCredFile    string

	KafkaBrokers  []string
	KafkaTopic    string
	KafkaListen   bool
	KafkaGroupID  string
	KafkaClientID string

	OutboxCapacity     int
	OutboxMaxAttempts  int
	OutboxPollInterval time.Duration

	Retry               resilient.RetryConfig
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	OperationTimeout    time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних сервисов.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		SettleTimeout:       3 * time.Second,
		LocalDriver:         LocalDriverMemory,
		SQLitePath:          "cart.db",
		RemoteDriver:        RemoteDriverMemory,
		PostgresAutoMigrate: true,
		KafkaTopic:          "cart.sync.events",
		KafkaGroupID:        "cart-service",
		KafkaClientID:       "cart-service",
		OutboxCapacity:      1024,
		OutboxMaxAttempts:   5,
		OutboxPollInterval:  time.Second,
		Retry:               resilient.DefaultRetryConfig(),
		BreakerMaxFailures:  5,
		BreakerResetTimeout: resilient.DefaultResetTimeout,
		OperationTimeout:    10 * time.Second,

		IdempotencyTTL:             24 * time.Hour,
		IdempotencyCleanupInterval: 10 * time.Minute,
	}
}

// NewViper создаёт viper с префиксом окружения и значениями по умолчанию.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("http.addr", d.HTTPAddr)
	v.SetDefault("http.allowed-origins", d.AllowedOrigins)
	v.SetDefault("http.settle-timeout", d.SettleTimeout)
	v.SetDefault("http.idempotency-ttl", d.IdempotencyTTL)
	v.SetDefault("http.idempotency-cleanup-interval", d.IdempotencyCleanupInterval)
	v.SetDefault("grpc.addr", d.GRPCAddr)
	v.SetDefault("metrics.addr", d.MetricsAddr)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("instance.id", "")
	v.SetDefault("local.driver", d.LocalDriver)
	v.SetDefault("local.sqlite-path", d.SQLitePath)
	v.SetDefault("remote.driver", d.RemoteDriver)
	v.SetDefault("remote.retry.max-attempts", d.Retry.MaxAttempts)
	v.SetDefault("remote.retry.initial-delay", d.Retry.InitialDelay)
	v.SetDefault("remote.retry.max-delay", d.Retry.MaxDelay)
	v.SetDefault("remote.retry.backoff-factor", d.Retry.BackoffFactor)
	v.SetDefault("remote.breaker.max-failures", d.BreakerMaxFailures)
	v.SetDefault("remote.breaker.reset-timeout", d.BreakerResetTimeout)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.auto-migrate", d.PostgresAutoMigrate)
	v.SetDefault("firestore.project-id", "")
	v.SetDefault("firestore.credentials-file", "")
	v.SetDefault("firebase.auth-enabled", d.FirebaseAuthEnabled)
	v.SetDefault("firebase.project-id", "")
	v.SetDefault("firebase.credentials-file", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", d.KafkaTopic)
	v.SetDefault("kafka.listen", d.KafkaListen)
	v.SetDefault("kafka.group-id", d.KafkaGroupID)
	v.SetDefault("kafka.client-id", d.KafkaClientID)
	v.SetDefault("outbox.capacity", d.OutboxCapacity)
	v.SetDefault("outbox.max-attempts", d.OutboxMaxAttempts)
	v.SetDefault("outbox.poll-interval", d.OutboxPollInterval)
	v.SetDefault("sync.operation-timeout", d.OperationTimeout)
	return v
}

// LoadConfig читает конфигурацию из viper (файл, окружение, значения по умолчанию).
// Если задан config file и он не найден, это ошибка; отсутствие файла по умолчанию нет.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && v.ConfigFileUsed() != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		HTTPAddr:       v.GetString("http.addr"),
		GRPCAddr:       v.GetString("grpc.addr"),
		MetricsAddr:    v.GetString("metrics.addr"),
		LogLevel:       v.GetString("log.level"),
		InstanceID:     strings.TrimSpace(v.GetString("instance.id")),
		AllowedOrigins: splitList(v.GetStringSlice("http.allowed-origins")),
		SettleTimeout:  v.GetDuration("http.settle-timeout"),

		IdempotencyTTL:             v.GetDuration("http.idempotency-ttl"),
		IdempotencyCleanupInterval: v.GetDuration("http.idempotency-cleanup-interval"),

		LocalDriver: strings.ToLower(strings.TrimSpace(v.GetString("local.driver"))),
		SQLitePath:  v.GetString("local.sqlite-path"),

		RemoteDriver:        strings.ToLower(strings.TrimSpace(v.GetString("remote.driver"))),
		PostgresDSN:         strings.TrimSpace(v.GetString("postgres.dsn")),
		PostgresAutoMigrate: v.GetBool("postgres.auto-migrate"),
		FirestoreProjectID:  strings.TrimSpace(v.GetString("firestore.project-id")),
		FirestoreCredFile:   strings.TrimSpace(v.GetString("firestore.credentials-file")),

		FirebaseAuthEnabled: v.GetBool("firebase.auth-enabled"),
		FirebaseProjectID:   strings.TrimSpace(v.GetString("firebase.project-id")),
		FirebaseCredFile:    strings.TrimSpace(v.GetString("firebase.credentials-file")),

		KafkaBrokers:  splitList(v.GetStringSlice("kafka.brokers")),
		KafkaTopic:    v.GetString("kafka.topic"),
		KafkaListen:   v.GetBool("kafka.listen"),
		KafkaGroupID:  v.GetString("kafka.group-id"),
		KafkaClientID: v.GetString("kafka.client-id"),

		OutboxCapacity:     v.GetInt("outbox.capacity"),
		OutboxMaxAttempts:  v.GetInt("outbox.max-attempts"),
		OutboxPollInterval: v.GetDuration("outbox.poll-interval"),

		Retry: resilient.RetryConfig{
			MaxAttempts:   v.GetInt("remote.retry.max-attempts"),
			InitialDelay:  v.GetDuration("remote.retry.initial-delay"),
			MaxDelay:      v.GetDuration("remote.retry.max-delay"),
			BackoffFactor: v.GetFloat64("remote.retry.backoff-factor"),
		},
		BreakerMaxFailures:  v.GetInt("remote.breaker.max-failures"),
		BreakerResetTimeout: v.GetDuration("remote.breaker.reset-timeout"),
		OperationTimeout:    v.GetDuration("sync.operation-timeout"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if cfg.FirebaseProjectID == "" {
		cfg.FirebaseProjectID = cfg.FirestoreProjectID
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек драйверов.
func (c Config) Validate() error {
	switch c.LocalDriver {
	case LocalDriverMemory:
	case LocalDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("sqlite path is required for local driver sqlite")
		}
	default:
		return fmt.Errorf("unsupported local driver %q", c.LocalDriver)
	}

	switch c.RemoteDriver {
	case RemoteDriverMemory:
	case RemoteDriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres dsn is required for remote driver postgres")
		}
	case RemoteDriverFirestore:
		if c.FirestoreProjectID == "" {
			return errors.New("firestore project id is required for remote driver firestore")
		}
	default:
		return fmt.Errorf("unsupported remote driver %q", c.RemoteDriver)
	}

	if c.FirebaseAuthEnabled && c.FirebaseProjectID == "" {
		return errors.New("firebase project id is required when firebase auth is enabled")
	}
	if c.KafkaListen && len(c.KafkaBrokers) == 0 {
		return errors.New("kafka brokers are required when kafka listener is enabled")
	}
	return nil
}

// splitList принимает как список, так и одну строку через запятую (так приходят env-переменные).
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cart"
	}
	return host + "-" + uuid.NewString()[:8]
}
