// Package metrics содержит Prometheus-метрики синхронизации корзины.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций для label result.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Исходы слияния.
const (
	MergeMerged      = "merged"
	MergeSkipped     = "skipped"
	MergeReadFailed  = "read_failed"
	MergeWriteFailed = "write_failed"
)

// SyncMetrics содержит метрики координатора синхронизации.
// Все методы безопасны для nil-получателя: координатор может работать без метрик.
type SyncMetrics struct {
	// Операции с хранилищем
	storageOps      *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	// Слияние гостевой корзины
	merges        *prometheus.CounterVec
	mergeDuration prometheus.Histogram

	// Состояние координатора
	phase       *prometheus.GaugeVec
	deferred    prometheus.Gauge
	transitions *prometheus.CounterVec
	mutations   *prometheus.CounterVec
}

// NewSyncMetrics регистрирует метрики в DefaultRegisterer.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer регистрирует метрики в заданном registerer.
// Повторная регистрация переиспользует уже существующие коллекторы.
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		storageOps: register(registerer, "cart_storage_operations_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cart_storage_operations_total",
			Help: "Cart storage operations by backend, operation and result",
		}, []string{"backend", "operation", "result"})),
		storageDuration: register(registerer, "cart_storage_operation_duration_seconds", prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cart_storage_operation_duration_seconds",
			Help:    "Duration of cart storage operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"backend", "operation"})),
		merges: register(registerer, "cart_merges_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cart_merges_total",
			Help: "Guest-to-account cart merges by outcome",
		}, []string{"outcome"})),
		mergeDuration: register(registerer, "cart_merge_duration_seconds", prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cart_merge_duration_seconds",
			Help:    "Duration of guest-to-account merges in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		phase: register(registerer, "cart_sync_phase", prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cart_sync_phase",
			Help: "Current coordinator phase (1 for the active phase, 0 otherwise)",
		}, []string{"phase"})),
		deferred: register(registerer, "cart_deferred_mutations", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cart_deferred_mutations",
			Help: "Mutations applied in memory while persistence is paused",
		})),
		transitions: register(registerer, "cart_identity_transitions_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cart_identity_transitions_total",
			Help: "Identity transitions handled by the coordinator",
		}, []string{"from", "to"})),
		mutations: register(registerer, "cart_mutations_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cart_mutations_total",
			Help: "Cart mutations dispatched through the public API",
		}, []string{"action"})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// ResultOf переводит ошибку хранилища в значение label result.
func ResultOf(err error, notFound bool) string {
	switch {
	case err == nil:
		return ResultOK
	case notFound:
		return ResultNotFound
	default:
		return ResultError
	}
}

// RecordStorageOp учитывает операцию с хранилищем.
func (m *SyncMetrics) RecordStorageOp(backend, operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storageOps.WithLabelValues(backend, operation, result).Inc()
	m.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordMerge учитывает исход слияния.
func (m *SyncMetrics) RecordMerge(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
	if outcome != MergeSkipped {
		m.mergeDuration.Observe(duration.Seconds())
	}
}

// SetPhase отмечает активную фазу; остальные известные фазы сбрасываются в 0.
func (m *SyncMetrics) SetPhase(active string, all []string) {
	if m == nil {
		return
	}
	for _, phase := range all {
		value := 0.0
		if phase == active {
			value = 1
		}
		m.phase.WithLabelValues(phase).Set(value)
	}
}

// SetDeferred выставляет число отложенных мутаций.
func (m *SyncMetrics) SetDeferred(n int) {
	if m == nil {
		return
	}
	m.deferred.Set(float64(n))
}

// RecordTransition учитывает смену идентичности.
func (m *SyncMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordMutation учитывает мутацию корзины.
func (m *SyncMetrics) RecordMutation(action string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(action).Inc()
}
