// Package metrics exposes prometheus instrumentation for the sync engine.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

// SyncMetrics captures webhook and reconciliation health signals.
type SyncMetrics struct {
	webhookEvents  *prometheus.CounterVec
	sweepRuns      prometheus.Counter
	sweepItems     *prometheus.CounterVec
	sweepDuration    prometheus.Observer
	providerCalls    *prometheus.CounterVec
	providerDuration prometheus.Observer
	tokensConsumed   *prometheus.CounterVec
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest resets the metrics singleton for tests.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billsync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billsync_webhook_events_total",
		Help:        "Webhook deliveries by event type and dispatch outcome.",
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})
	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "billsync_sweep_runs_total",
		Help:        "Reconciliation sweeps started.",
		ConstLabels: constLabels,
	})
	sweepItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billsync_sweep_items_total",
		Help:        "Per-subscription sweep results.",
		ConstLabels: constLabels,
	}, []string{"result"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "billsync_sweep_duration_seconds",
		Help:        "Full sweep latency including all batches.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	})
	providerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billsync_provider_requests_total",
		Help:        "Outbound billing provider calls by result class.",
		ConstLabels: constLabels,
	}, []string{"result"})
	providerDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "billsync_provider_request_duration_seconds",
		Help:        "Outbound billing provider call latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	})
	tokensConsumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billsync_payment_tokens_consumed_total",
		Help:        "Payment token consume attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	for _, collector := range []prometheus.Collector{
		webhookEvents, sweepRuns, sweepItems, sweepDuration, providerCalls, providerDuration, tokensConsumed,
	} {
		// Double registration only happens in tests that rebuild the
		// singleton against the default registerer.
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return &SyncMetrics{
		webhookEvents:    webhookEvents,
		sweepRuns:        sweepRuns,
		sweepItems:       sweepItems,
		sweepDuration:    sweepDuration,
		providerCalls:    providerCalls,
		providerDuration: providerDuration,
		tokensConsumed:   tokensConsumed,
	}
}

func (m *SyncMetrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *SyncMetrics) IncSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *SyncMetrics) IncSweepItem(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.sweepItems.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *SyncMetrics) IncProviderCall(result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) ObserveProviderDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.Observe(d.Seconds())
}

func (m *SyncMetrics) IncTokenConsumed(outcome string) {
	if m == nil {
		return
	}
	m.tokensConsumed.WithLabelValues(outcome).Inc()
}
