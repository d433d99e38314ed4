// Package metrics 定义库存流水线的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 消息处理结果
const (
	OutcomeAcked    = "acked"
	OutcomeRetry    = "retry"
	OutcomeDropped  = "dropped"
	OutcomeAppended = "appended"
	OutcomeFailed   = "failed"
)

// Metrics 聚合所有指标；每个进程创建一次
type Metrics struct {
	registry *prometheus.Registry

	Messages        *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	LockWait        prometheus.Histogram
	BatchSize       prometheus.Histogram
	PendingEntries  prometheus.Gauge
	DeadLetters     *prometheus.CounterVec
	ProducerAppends *prometheus.CounterVec
}

// New 创建并注册指标到一个独立的 registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_messages_total",
			Help:      "Stock update stream entries handled, by update type and outcome.",
		}, []string{"type", "outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_decisions_total",
			Help:      "Reservation decisions taken, by result.",
		}, []string{"result"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stock_lock_wait_seconds",
			Help:      "Time spent waiting for a product lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stock_poll_batch_size",
			Help:      "Entries received per polling cycle.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		PendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stock_pending_entries",
			Help:      "Entries delivered to the consumer group but not acknowledged yet.",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_dead_letters_total",
			Help:      "Entries dropped and forwarded to the dead letter topic, by failure class.",
		}, []string{"class"}),
		ProducerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_producer_appends_total",
			Help:      "Stock update messages appended by the producer, by update type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Messages, m.Decisions, m.LockWait, m.BatchSize, m.PendingEntries, m.DeadLetters, m.ProducerAppends,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
