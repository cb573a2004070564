// Package service собирает пайплайн принятия решения: вызов бэкенда,
// нормализация ответа и запись телеметрии.
package service

import (
	"context"
	"time"

	"decision-server/internal/gateway"
	"decision-server/internal/parser"
	"decision-server/shared/models"

	"go.uber.org/zap"
)

// Invoker - контракт шлюза генерации. Позволяет подменять шлюз моком в тестах.
type Invoker interface {
	Invoke(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error)
}

// Recorder принимает одну логическую метрику на запрос.
type Recorder interface {
	RecordRequest(m models.RequestMetric)
}

// AttemptRecorder дублирует метрику запроса в Prometheus вместе со стоимостью.
type AttemptRecorder interface {
	RecordRequest(m models.RequestMetric, costUSD float64)
}

// Outcome - итог пайплайна для успешного запроса.
type Outcome struct {
	Decision *models.ParsedResponse
	Result   *models.GenerationResult
}

// DecisionService прогоняет запрос через шлюз и нормализатор и пишет
// ровно одну метрику на логический запрос, сколько бы попыток ни было внутри.
type DecisionService struct {
	invoker    Invoker
	normalizer *parser.Normalizer
	recorder   Recorder
	prom       AttemptRecorder
	logger     *zap.Logger
}

func NewDecisionService(invoker Invoker, normalizer *parser.Normalizer, recorder Recorder, prom AttemptRecorder, logger *zap.Logger) *DecisionService {
	return &DecisionService{
		invoker:    invoker,
		normalizer: normalizer,
		recorder:   recorder,
		prom:       prom,
		logger:     logger.Named("DecisionService"),
	}
}

// Decide выполняет полный цикл: генерация, разбор, телеметрия.
// waitTime - время, проведенное запросом в очереди до начала обработки
// (для HTTP-пути передается ноль).
func (s *DecisionService) Decide(ctx context.Context, req *models.GenerationRequest, waitTime time.Duration) (*Outcome, error) {
	start := time.Now()

	result, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		s.record(req, result, waitTime, time.Since(start), gateway.ErrorClassLabel(err))
		return nil, err
	}

	decision, err := s.normalizer.Parse(result)
	if err != nil {
		s.record(req, result, waitTime, time.Since(start), "parse")
		s.logger.Warn("Ответ бэкенда не прошел нормализацию",
			zap.String("requestID", req.RequestID),
			zap.String("model", result.Model),
			zap.Error(err))
		return nil, err
	}

	s.record(req, result, waitTime, time.Since(start), "")
	return &Outcome{Decision: decision, Result: result}, nil
}

func (s *DecisionService) record(req *models.GenerationRequest, result *models.GenerationResult, wait, execution time.Duration, errorClass string) {
	metric := models.RequestMetric{
		Timestamp:  time.Now(),
		Backend:    req.Backend,
		Success:    errorClass == "",
		WaitTime:   wait,
		Execution:  execution,
		ErrorClass: errorClass,
	}
	var cost float64
	if result != nil {
		// Пустой req.Backend означает "бэкенд из конфигурации"; фактический
		// бэкенд известен из результата, иначе разбивка по провайдерам
		// копилась бы под пустым ключом.
		if result.Backend != "" {
			metric.Backend = result.Backend
		}
		metric.Model = result.Model
		metric.Attempts = result.Attempts
		metric.TotalTokens = result.Usage.TotalTokens
		cost = result.Usage.EstimatedCostUSD
	}
	if s.recorder != nil {
		s.recorder.RecordRequest(metric)
	}
	if s.prom != nil {
		s.prom.RecordRequest(metric, cost)
	}
}
