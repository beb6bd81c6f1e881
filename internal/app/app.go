// Package app собирает зависимости сервиса корзины и запускает его серверы.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/cartsync/internal/health"
	"github.com/vladislavdragonenkov/cartsync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/service/coordinator"
	"github.com/vladislavdragonenkov/cartsync/internal/service/idempotency"
	"github.com/vladislavdragonenkov/cartsync/internal/service/outbox"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartsync/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/cartsync/internal/version"
)

// CartServiceName: имя сервиса в gRPC health.
const CartServiceName = "cartsync.CartService"

const (
	shutdownTimeout = 5 * time.Second
	// outboxStaleAfter: событие, висящее в очереди дольше, переводит outbox в degraded.
	outboxStaleAfter = time.Minute
)

// Run поднимает координатор корзины, HTTP API, gRPC health и сервер метрик
// и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	producer, _ := initKafkaProducer(cfg, logger)

	options := []coordinator.Option{
		coordinator.WithLogger(logger.WithField("component", "cart-coordinator")),
		coordinator.WithMetrics(metrics.NewSyncMetrics()),
		coordinator.WithOperationTimeout(cfg.OperationTimeout),
	}
	var events *outbox.Worker
	outboxCtx, stopOutbox := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOutbox()
	if producer != nil {
		events = outbox.NewWorker(
			memory.NewOutboxRepository(cfg.OutboxCapacity),
			kafka.NewEventPublisher(producer, cfg.KafkaTopic, cfg.InstanceID),
			outbox.WithLogger(logger.WithField("component", "cart-outbox")),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
		)
		go events.Run(outboxCtx)
		options = append(options, coordinator.WithEventPublisher(events))
	}
	cart := coordinator.New(deps.Sessions, deps.Identity, deps.Storage, options...)
	// Координатор живёт до явного Close: HTTP-запросы дорабатывают после отмены ctx.
	if err := cart.Start(context.WithoutCancel(ctx)); err != nil {
		stopOutbox()
		closeKafka(nil, producer, logger)
		return err
	}

	consumer, err := startRefreshConsumer(ctx, cfg, producer, cart, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to start kafka refresh listener, continuing without it")
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	deps.RegisterCheckers(healthHandler)
	healthHandler.RegisterChecker("cart_sync", healthcheck.NewSyncChecker("cart_sync", cart))
	if events != nil {
		healthHandler.RegisterChecker("event_outbox", healthcheck.NewOutboxChecker("event_outbox", events, outboxStaleAfter))
	}

	go idempotency.NewCleanupWorker(
		deps.Idempotency,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
	).Run(ctx)

	apiOptions := []httpapi.Option{
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithSettleTimeout(cfg.SettleTimeout),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins),
		httpapi.WithIdempotency(deps.Idempotency, cfg.IdempotencyTTL),
	}
	if deps.Tokens != nil {
		apiOptions = append(apiOptions, httpapi.WithTokenAuthenticator(deps.Tokens))
	}
	api := httpapi.NewHandler(cart, deps.Identity, apiOptions...)
	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Routes(), ReadHeaderTimeout: 5 * time.Second}

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(CartServiceName, healthpb.HealthCheckResponse_SERVING)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		_ = cart.Close()
		drainOutbox(events, stopOutbox, logger)
		closeKafka(consumer, producer, logger)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed, shutting down")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(CartServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(metricsSrv, logger)
	if err := cart.Close(); err != nil {
		logger.WithError(err).Warn("failed to close cart coordinator")
	}
	drainOutbox(events, stopOutbox, logger)
	closeKafka(consumer, producer, logger)
	return runErr
}

// drainOutbox дописывает события, накопленные до остановки координатора, и гасит воркер.
func drainOutbox(events *outbox.Worker, stop context.CancelFunc, logger *log.Entry) {
	stop()
	if events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := events.Drain(ctx); err != nil {
		logger.WithError(err).Warn("cart events left unpublished on shutdown")
	}
}

// stopGRPC пытается остановиться штатно и прерывает соединения по таймауту.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
