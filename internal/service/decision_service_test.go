package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"decision-server/internal/metrics"
	"decision-server/internal/parser"
	"decision-server/internal/service"
	"decision-server/internal/vocabulary"
	"decision-server/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubInvoker возвращает заранее заданный результат.
type stubInvoker struct {
	result *models.GenerationResult
	err    error
}

func (s *stubInvoker) Invoke(_ context.Context, _ *models.GenerationRequest) (*models.GenerationResult, error) {
	return s.result, s.err
}

// captureRecorder запоминает записанные метрики.
type captureRecorder struct {
	metrics []models.RequestMetric
}

func (c *captureRecorder) RecordRequest(m models.RequestMetric) {
	c.metrics = append(c.metrics, m)
}

type captureProm struct {
	metrics []models.RequestMetric
	costs   []float64
}

func (c *captureProm) RecordRequest(m models.RequestMetric, costUSD float64) {
	c.metrics = append(c.metrics, m)
	c.costs = append(c.costs, costUSD)
}

func newService(invoker service.Invoker, rec *captureRecorder, prom *captureProm) *service.DecisionService {
	return service.NewDecisionService(invoker, parser.New(vocabulary.Default()), rec, prom, zap.NewNop())
}

func TestDecide_SuccessRecordsOneMetric(t *testing.T) {
	invoker := &stubInvoker{result: &models.GenerationResult{
		ActionCall: &models.ActionCall{Name: "gather"},
		Backend:    models.BackendOpenAI,
		Model:      "deepseek/deepseek-chat",
		Attempts:   2,
		Usage:      models.UsageInfo{TotalTokens: 30, EstimatedCostUSD: 0.0001},
	}}
	rec := &captureRecorder{}
	prom := &captureProm{}
	svc := newService(invoker, rec, prom)

	req := &models.GenerationRequest{RequestID: "r1", Prompt: "p", Backend: models.BackendOpenAI}
	outcome, err := svc.Decide(context.Background(), req, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "gather", outcome.Decision.Action)

	// Ровно одна метрика на логический запрос, сколько бы попыток ни было
	require.Len(t, rec.metrics, 1)
	m := rec.metrics[0]
	assert.True(t, m.Success)
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, 30, m.TotalTokens)
	assert.Equal(t, 500*time.Millisecond, m.WaitTime)
	assert.Empty(t, m.ErrorClass)

	require.Len(t, prom.costs, 1)
	assert.InDelta(t, 0.0001, prom.costs[0], 1e-9)
}

func TestDecide_DefaultBackendAttributedToProvider(t *testing.T) {
	// Пустой Backend в запросе означает "бэкенд из конфигурации";
	// метрика должна нести фактический бэкенд из результата.
	invoker := &stubInvoker{result: &models.GenerationResult{
		ActionCall: &models.ActionCall{Name: "gather"},
		Backend:    models.BackendOpenAI,
		Model:      "deepseek/deepseek-chat",
		Attempts:   1,
	}}
	collector := metrics.NewCollector(metrics.Options{})
	prom := &captureProm{}
	svc := service.NewDecisionService(invoker, parser.New(vocabulary.Default()), collector, prom, zap.NewNop())

	req := &models.GenerationRequest{RequestID: "r4", Prompt: "p"} // Backend не задан
	_, err := svc.Decide(context.Background(), req, 0)
	require.NoError(t, err)

	agg := collector.GetAggregated(10)
	require.Contains(t, agg.ProviderBreakdown, "openai")
	assert.Equal(t, 1, agg.ProviderBreakdown["openai"].SuccessfulRequests)
	assert.NotContains(t, agg.ProviderBreakdown, "")

	require.Len(t, prom.metrics, 1)
	assert.Equal(t, models.BackendOpenAI, prom.metrics[0].Backend)
}

func TestDecide_GatewayErrorRecordsFailure(t *testing.T) {
	invoker := &stubInvoker{err: fmt.Errorf("%w: все попытки исчерпаны", models.ErrExhaustedRetries)}
	rec := &captureRecorder{}
	prom := &captureProm{}
	svc := newService(invoker, rec, prom)

	_, err := svc.Decide(context.Background(), &models.GenerationRequest{RequestID: "r2", Prompt: "p"}, 0)
	require.Error(t, err)

	require.Len(t, rec.metrics, 1)
	assert.False(t, rec.metrics[0].Success)
	assert.NotEmpty(t, rec.metrics[0].ErrorClass)
}

func TestDecide_ParseErrorRecordsParseClass(t *testing.T) {
	invoker := &stubInvoker{result: &models.GenerationResult{
		Text:  "ничего осмысленного",
		Model: "deepseek/deepseek-chat",
	}}
	rec := &captureRecorder{}
	prom := &captureProm{}
	svc := newService(invoker, rec, prom)

	_, err := svc.Decide(context.Background(), &models.GenerationRequest{RequestID: "r3", Prompt: "p"}, 0)
	require.Error(t, err)
	_, isParse := models.IsParseError(err)
	assert.True(t, isParse)

	require.Len(t, rec.metrics, 1)
	assert.False(t, rec.metrics[0].Success)
	assert.Equal(t, "parse", rec.metrics[0].ErrorClass)
}
