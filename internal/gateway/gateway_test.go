package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"decision-server/internal/gateway"
	"decision-server/internal/mocks"
	"decision-server/internal/vocabulary"
	"decision-server/shared/models"

	openaigo "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// attemptSink копит метрики попыток для проверок.
type attemptSink struct {
	mu      sync.Mutex
	metrics []models.RequestMetric
}

func (s *attemptSink) RecordAttempt(m models.RequestMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
}

func (s *attemptSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics)
}

func newTestGateway(t *testing.T, backend gateway.Backend) (*gateway.Gateway, *attemptSink) {
	t.Helper()
	gw := gateway.New(backend, vocabulary.Default(), gateway.Options{
		MaxAttempts:    3,
		BaseRetryDelay: time.Millisecond,
		AttemptTimeout: time.Second,
	}, zap.NewNop())
	sink := &attemptSink{}
	gw.SetObserver(sink)
	return gw, sink
}

func catalogRequest() *models.GenerationRequest {
	return &models.GenerationRequest{
		RequestID: "req-1",
		Prompt:    "что делать дальше?",
		ActionCatalog: []models.CatalogAction{
			{Name: "gather", Description: "collect resources"},
			{Name: "rest", Description: "recover energy"},
		},
	}
}

func okResult(mode models.GenerationMode) *models.GenerationResult {
	res := &models.GenerationResult{
		Mode:  mode,
		Model: "deepseek/deepseek-chat",
		Usage: models.UsageInfo{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	if mode == models.ModeStructured {
		res.ActionCall = &models.ActionCall{Name: "gather"}
	} else {
		res.Text = `{"action": "gather"}`
	}
	return res
}

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(okResult(models.ModeStructured), nil).Once()

	gw, sink := newTestGateway(t, backend)

	result, err := gw.Invoke(context.Background(), catalogRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.Structured())
	assert.Equal(t, 1, sink.count())
	backend.AssertExpectations(t)
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, models.ErrTransport).Twice()
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(okResult(models.ModeStructured), nil).Once()

	gw, sink := newTestGateway(t, backend)

	result, err := gw.Invoke(context.Background(), catalogRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, sink.count())
	backend.AssertExpectations(t)
}

func TestInvoke_ExhaustedRetries(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, models.ErrTransport).Times(3)

	gw, sink := newTestGateway(t, backend)

	_, err := gw.Invoke(context.Background(), catalogRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExhaustedRetries)
	assert.Equal(t, 3, sink.count())
	backend.AssertExpectations(t)
}

func TestInvoke_FatalErrorNoRetry(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	// 401 - терминальный отказ, ретраи бессмысленны
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 401, Message: "invalid api key"}).Once()

	gw, sink := newTestGateway(t, backend)

	_, err := gw.Invoke(context.Background(), catalogRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackendRejected)
	assert.Equal(t, 1, sink.count())
	backend.AssertExpectations(t)
}

func TestInvoke_RateLimitIsTransient(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 429, Message: "rate limited"}).Once()
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(okResult(models.ModeStructured), nil).Once()

	gw, _ := newTestGateway(t, backend)

	result, err := gw.Invoke(context.Background(), catalogRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	backend.AssertExpectations(t)
}

func TestInvoke_CapabilityFallbackToFreeText(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	// Бэкенд не умеет tool calling: отказ структурированного режима
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 400, Message: "tools are not supported"}).Once()
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeFreeText).
		Return(okResult(models.ModeFreeText), nil).Once()

	gw, _ := newTestGateway(t, backend)

	result, err := gw.Invoke(context.Background(), catalogRequest())
	require.NoError(t, err)
	// Попытки обеих фаз суммируются
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, models.ModeFreeText, result.Mode)
	assert.False(t, result.Structured())
	backend.AssertExpectations(t)
}

func TestInvoke_FallbackHappensAtMostOnce(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 400, Message: "tools are not supported"}).Once()
	// И свободнотекстовая фаза отвалилась тем же отказом: второго fallback нет
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeFreeText).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 400, Message: "tools are not supported"}).Once()

	gw, _ := newTestGateway(t, backend)

	_, err := gw.Invoke(context.Background(), catalogRequest())
	require.Error(t, err)
	// Наружу уходит терминальный отказ, не внутренний сигнал смены режима
	assert.ErrorIs(t, err, models.ErrBackendRejected)
	assert.NotErrorIs(t, err, models.ErrCapabilityRejected)
	backend.AssertExpectations(t)
}

func TestInvoke_FreeTextCapabilityRejectionIsTerminal(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	// Без каталога структурированной фазы нет, fallback не полагается
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeFreeText).
		Return(nil, &openaigo.APIError{HTTPStatusCode: 400, Message: "tools are not supported"}).Once()

	gw, _ := newTestGateway(t, backend)

	req := catalogRequest()
	req.ActionCatalog = nil
	_, err := gw.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackendRejected)
	assert.NotErrorIs(t, err, models.ErrCapabilityRejected)
	backend.AssertExpectations(t)
}

func TestInvoke_NoCatalogGoesStraightToFreeText(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOllama)
	backend.On("Model").Return("qwen2.5:14b")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeFreeText).
		Return(okResult(models.ModeFreeText), nil).Once()

	gw, _ := newTestGateway(t, backend)

	req := catalogRequest()
	req.ActionCatalog = nil
	result, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ModeFreeText, result.Mode)
	backend.AssertExpectations(t)
}

func TestInvoke_DoesNotMutateRequest(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			prepared := args.Get(1).(*models.GenerationRequest)
			// Инструкции режима дописаны в подготовленную копию
			assert.NotEqual(t, "базовый промпт", prepared.SystemPrompt)
		}).
		Return(okResult(models.ModeStructured), nil).Once()

	gw, _ := newTestGateway(t, backend)

	req := catalogRequest()
	req.SystemPrompt = "базовый промпт"
	_, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	// Исходный запрос не тронут
	assert.Equal(t, "базовый промпт", req.SystemPrompt)
}

func TestInvoke_NilRequest(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")

	gw, _ := newTestGateway(t, backend)

	_, err := gw.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrBackendRejected)
}

func TestInvoke_ContextCancelledDuringBackoff(t *testing.T) {
	backend := mocks.NewMockBackend(t)
	backend.On("Kind").Return(models.BackendOpenAI)
	backend.On("Model").Return("deepseek/deepseek-chat")
	backend.On("Generate", mock.Anything, mock.Anything, models.ModeStructured).
		Return(nil, models.ErrTransport)

	gw := gateway.New(backend, vocabulary.Default(), gateway.Options{
		MaxAttempts:    3,
		BaseRetryDelay: time.Minute, // backoff заведомо дольше контекста
		AttemptTimeout: time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.Invoke(ctx, catalogRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTimeout)
}
