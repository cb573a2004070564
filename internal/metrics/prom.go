package metrics

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"decision-server/shared/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const jobName = "decision_server"

// Prom экспортирует телеметрию пайплайна в Prometheus. Метрики живут в
// локальном реестре экземпляра, а не в глобальном DefaultRegistry - Prom
// передается коллабораторам явно, глобального состояния нет.
type Prom struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
	estimatedCost   *prometheus.CounterVec
	queueLength     prometheus.Gauge

	pusher *push.Pusher
}

// NewProm создает экспортер с собственным реестром.
func NewProm(logger *zap.Logger) *Prom {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Prom{
		registry: registry,
		logger:   logger.Named("metrics"),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_server_backend_attempts_total",
				Help: "Total number of backend attempts, partitioned by backend, model and outcome.",
			},
			[]string{"backend", "model", "status", "error_class"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decision_server_backend_attempt_duration_seconds",
				Help:    "Histogram of backend attempt durations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "model"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_server_requests_total",
				Help: "Total number of logical decision requests, partitioned by backend and outcome.",
			},
			[]string{"backend", "status"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_server_ai_tokens_used_total",
				Help: "Total number of AI tokens used.",
			},
			[]string{"backend", "model"},
		),
		estimatedCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_server_ai_estimated_cost_usd_total",
				Help: "Estimated total cost of AI requests in USD.",
			},
			[]string{"backend", "model"},
		),
		queueLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "decision_server_task_queue_length",
				Help: "Last observed length of the decision task queue.",
			},
		),
	}
}

// RecordAttempt реализует gateway.AttemptObserver: одно событие на попытку.
func (p *Prom) RecordAttempt(m models.RequestMetric) {
	status := "success"
	if !m.Success {
		status = "error"
	}
	p.attemptsTotal.WithLabelValues(string(m.Backend), m.Model, status, m.ErrorClass).Inc()
	p.attemptDuration.WithLabelValues(string(m.Backend), m.Model).Observe(m.Execution.Seconds())
	if m.TotalTokens > 0 {
		p.tokensUsed.WithLabelValues(string(m.Backend), m.Model).Add(float64(m.TotalTokens))
	}
}

// RecordRequest учитывает один логический запрос (после ретраев и fallback).
func (p *Prom) RecordRequest(m models.RequestMetric, costUSD float64) {
	status := "success"
	if !m.Success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(string(m.Backend), status).Inc()
	if costUSD > 0 {
		p.estimatedCost.WithLabelValues(string(m.Backend), m.Model).Add(costUSD)
	}
}

// RecordQueueLength обновляет gauge длины очереди.
func (p *Prom) RecordQueueLength(n int) {
	p.queueLength.Set(float64(n))
}

// Handler возвращает HTTP-обработчик /metrics для этого реестра.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// InitPusher инициализирует отправку метрик в Pushgateway. Опционально:
// пустой URL отключает пушер, остается только pull через Handler.
func (p *Prom) InitPusher(pushgatewayURL string) error {
	if pushgatewayURL == "" {
		return nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	p.pusher = push.New(pushgatewayURL, jobName).
		Gatherer(p.registry).
		Grouping("instance", instanceID)

	// Сразу проверяем соединение нулевыми значениями
	if err := p.pusher.Push(); err != nil {
		p.pusher = nil
		return fmt.Errorf("could not push initial metrics to Pushgateway: %w", err)
	}
	p.logger.Info("Pushgateway подключен",
		zap.String("url", pushgatewayURL), zap.String("instance", instanceID))
	return nil
}

// StartPusher запускает периодическую отправку метрик. Останавливается по
// закрытию stop.
func (p *Prom) StartPusher(interval time.Duration, stop <-chan struct{}) {
	if p.pusher == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.pusher.Push(); err != nil {
					p.logger.Warn("Ошибка отправки метрик в Pushgateway", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// Cleanup удаляет метрики экземпляра из Pushgateway. Вызывать через defer.
func (p *Prom) Cleanup() {
	if p.pusher == nil {
		return
	}
	if err := p.pusher.Delete(); err != nil {
		p.logger.Warn("Не удалось удалить метрики из Pushgateway", zap.Error(err))
	}
}
