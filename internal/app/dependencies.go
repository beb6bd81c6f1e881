package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/cartsync/internal/health"
	"github.com/vladislavdragonenkov/cartsync/internal/identity"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/storage"
	firestorestore "github.com/vladislavdragonenkov/cartsync/internal/storage/firestore"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/local"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/postgres"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/remote"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/resilient"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/sqlite"
)

type namedCloser struct {
	name  string
	close func() error
}

// Dependencies содержит инфраструктуру, на которой работает координатор корзины.
type Dependencies struct {
	LocalStore   domain.KeyValueStore
	RemoteDocs   domain.DocumentStore
	Storage      *storage.Router
	Sessions     *session.Manager
	Identity     *identity.Provider
	Tokens       *identity.TokenAuthenticator
	Breaker      *resilient.CircuitBreaker
	Logger       *log.Entry

	// Idempotency хранит Idempotency-Key HTTP API; с postgres ключи общие для всех экземпляров.
	Idempotency domain.IdempotencyRepository

	localPinger  domain.Pinger
	remotePinger domain.Pinger
	remoteRetry  func(error) bool
	closers      []namedCloser
}

// NewDependencies создаёт зависимости по конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &Dependencies{Logger: logger}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	if err = deps.initLocal(ctx, cfg); err != nil {
		return deps, err
	}
	if err = deps.initRemote(ctx, cfg); err != nil {
		return deps, err
	}
	if deps.Idempotency == nil {
		deps.Idempotency = memory.NewIdempotencyRepository()
	}

	deps.Breaker = resilient.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout,
		logger.WithField("component", "circuit-breaker"))
	account := resilient.NewAdapter(remote.NewAdapter(deps.RemoteDocs), cfg.Retry,
		resilient.WithLogger(logger.WithField("component", "remote-storage")),
		resilient.WithCircuitBreaker(deps.Breaker),
		resilient.WithRetryPolicy(deps.remoteRetry),
	)
	deps.Storage = storage.NewRouter(local.NewAdapter(deps.LocalStore), account)

	deps.Sessions = session.NewManager(deps.LocalStore, session.WithLogger(logger.WithField("component", "session")))
	deps.Identity = identity.NewProvider(logger.WithField("component", "identity"))

	if cfg.FirebaseAuthEnabled {
		client, authErr := identity.NewFirebaseAuthClient(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredFile)
		if authErr != nil {
			return deps, authErr
		}
		deps.Tokens = identity.NewTokenAuthenticator(client, deps.Identity)
		logger.WithField("project_id", cfg.FirebaseProjectID).Info("firebase token auth enabled")
	}

	return deps, nil
}

func (d *Dependencies) initLocal(ctx context.Context, cfg Config) error {
	switch cfg.LocalDriver {
	case LocalDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open local sqlite store: %w", err)
		}
		d.LocalStore = store
		d.localPinger = store
		d.closers = append(d.closers, namedCloser{name: "sqlite", close: store.Close})
		d.Logger.WithField("path", cfg.SQLitePath).Info("local cart storage: sqlite")
	case LocalDriverMemory:
		store := memory.NewKVStore()
		d.LocalStore = store
		d.localPinger = store
		d.Logger.Info("local cart storage: memory")
	default:
		return fmt.Errorf("unsupported local driver %q", cfg.LocalDriver)
	}
	return nil
}

func (d *Dependencies) initRemote(ctx context.Context, cfg Config) error {
	switch cfg.RemoteDriver {
	case RemoteDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		d.closers = append(d.closers, namedCloser{name: "postgres", close: store.Close})
		if err := preparePostgres(ctx, store, cfg.PostgresAutoMigrate, d.Logger); err != nil {
			return err
		}
		d.RemoteDocs = postgres.NewDocumentStore(store)
		d.Idempotency = postgres.NewIdempotencyRepository(store)
		d.remotePinger = store
		d.remoteRetry = postgres.ShouldRetry
		d.Logger.Info("remote cart storage: postgres")
	case RemoteDriverFirestore:
		client, err := firestorestore.NewClient(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredFile)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, namedCloser{name: "firestore", close: client.Close})
		docs := firestorestore.NewDocumentStore(client)
		d.RemoteDocs = docs
		d.remotePinger = docs
		d.Logger.WithField("project_id", cfg.FirestoreProjectID).Info("remote cart storage: firestore")
	case RemoteDriverMemory:
		docs := memory.NewDocumentStore()
		d.RemoteDocs = docs
		d.remotePinger = docs
		d.Logger.Info("remote cart storage: memory")
	default:
		return fmt.Errorf("unsupported remote driver %q", cfg.RemoteDriver)
	}
	return nil
}

// preparePostgres применяет миграции или, если автоприменение выключено,
// только предупреждает о неприменённых.
func preparePostgres(ctx context.Context, store *postgres.Store, autoMigrate bool, logger *log.Entry) error {
	if autoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		return nil
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if len(status.Pending) > 0 {
		logger.WithFields(log.Fields{
			"version": status.Version,
			"pending": status.Pending,
		}).Warn("postgres has pending migrations, run cmd/migrate up")
	}
	return nil
}

// RegisterCheckers добавляет проверки хранилищ в health handler.
// Локальное хранилище обязательно; удалённое и breaker дают degraded.
func (d *Dependencies) RegisterCheckers(handler *healthcheck.Handler) {
	if d.localPinger != nil {
		handler.RegisterChecker("local_storage", healthcheck.NewPingChecker("local_storage", d.localPinger))
	}
	if d.remotePinger != nil {
		remotePinger := d.remotePinger
		handler.RegisterChecker("remote_storage", healthcheck.NewOptionalChecker("remote_storage", remotePinger.Ping))
	}
	if d.Breaker != nil {
		breaker := d.Breaker
		handler.RegisterChecker("remote_breaker", healthcheck.NewOptionalChecker("remote_breaker", func(context.Context) error {
			if state := breaker.State(); state != resilient.CircuitClosed {
				return fmt.Errorf("circuit breaker is %s", state)
			}
			return nil
		}))
	}
}

// Close закрывает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		closer := d.closers[i]
		if err := closer.close(); err != nil {
			d.Logger.WithError(err).WithField("resource", closer.name).Warn("failed to close resource")
			errs = append(errs, fmt.Errorf("close %s: %w", closer.name, err))
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
