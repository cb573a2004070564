// Package gateway отправляет логические запросы генерации во внешний бэкенд,
// переживая его ненадежность: ретраи транзиентных сбоев с экспоненциальным
// backoff, дедлайн на каждую попытку и одноразовый fallback из
// структурированного режима в свободнотекстовый при отказе бэкенда от tools.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"decision-server/internal/vocabulary"
	"decision-server/shared/models"

	"go.uber.org/zap"
)

// AttemptObserver получает одно телеметрическое событие на каждую попытку.
// Шлюз никогда не читает телеметрию - только пишет.
type AttemptObserver interface {
	RecordAttempt(m models.RequestMetric)
}

// nopObserver - наблюдатель по умолчанию.
type nopObserver struct{}

func (nopObserver) RecordAttempt(models.RequestMetric) {}

// Options - настройки ретраев шлюза.
type Options struct {
	MaxAttempts    int           // максимум попыток на режим (по умолчанию 3)
	BaseRetryDelay time.Duration // база экспоненциального backoff (по умолчанию 1s)
	AttemptTimeout time.Duration // дедлайн одной попытки (по умолчанию 30s)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseRetryDelay <= 0 {
		out.BaseRetryDelay = time.Second
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 30 * time.Second
	}
	return out
}

// Gateway - ретраящий клиент генеративного бэкенда. Кроме наблюдателя
// телеметрии состояния не имеет; безопасен для конкурентных инвокаций.
type Gateway struct {
	backend  Backend
	vocab    *vocabulary.Vocabulary
	family   ModelFamily
	opts     Options
	observer AttemptObserver
	logger   *zap.Logger
}

// New создает шлюз. Семейство модели разрешается здесь один раз, а не при
// каждом запросе.
func New(backend Backend, vocab *vocabulary.Vocabulary, opts Options, logger *zap.Logger) *Gateway {
	return &Gateway{
		backend:  backend,
		vocab:    vocab,
		family:   ResolveFamily(backend.Model()),
		opts:     opts.withDefaults(),
		observer: nopObserver{},
		logger:   logger.Named("gateway"),
	}
}

// SetObserver подключает наблюдателя телеметрии попыток.
func (g *Gateway) SetObserver(obs AttemptObserver) {
	if obs != nil {
		g.observer = obs
	}
}

// Invoke отправляет один логический запрос генерации.
//
// Первая фаза запрашивает структурированный ответ (tool call по каталогу
// действий). Если бэкенд отвечает отказом класса capability-rejection, это
// не фатально: шлюз один раз прозрачно повторяет запрос в свободнотекстовом
// режиме и возвращает его результат. Обе фазы - явные последовательные
// вызовы с различимыми результатами, не управление через исключения.
//
// Ошибки: models.ErrTimeout / models.ErrTransport (внутри попыток),
// models.ErrExhaustedRetries после исчерпания бюджета,
// models.ErrBackendRejected для терминальных отказов.
func (g *Gateway) Invoke(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", models.ErrBackendRejected)
	}

	mode := models.ModeStructured
	if len(req.ActionCatalog) == 0 {
		// Без каталога структурированный режим запрашивать не у чего
		mode = models.ModeFreeText
	}

	result, attempts, err := g.invokeMode(ctx, req, mode, 0)
	if err != nil && errors.Is(err, models.ErrCapabilityRejected) && mode == models.ModeStructured {
		g.logger.Info("Бэкенд отказался от структурированного режима, переключаемся на свободный текст",
			zap.String("requestID", req.RequestID),
			zap.String("model", g.backend.Model()))
		// Не более одного fallback на инвокацию
		result, attempts, err = g.invokeMode(ctx, req, models.ModeFreeText, attempts)
	}
	if err != nil {
		// Capability-rejection - внутренний сигнал переключения режимов;
		// наружу отказ, переживший fallback, уходит как терминальный.
		if errors.Is(err, models.ErrCapabilityRejected) {
			err = fmt.Errorf("%w: %v", models.ErrBackendRejected, err)
		}
		return nil, err
	}
	result.Attempts = attempts
	return result, nil
}

// invokeMode выполняет до MaxAttempts попыток в одном режиме.
// Возвращает суммарное число попыток с учетом attemptOffset.
func (g *Gateway) invokeMode(ctx context.Context, req *models.GenerationRequest, mode models.GenerationMode, attemptOffset int) (*models.GenerationResult, int, error) {
	prepared := g.prepareRequest(req, mode)

	var lastErr error
	attempts := attemptOffset

	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.AttemptTimeout)
		start := time.Now()
		result, err := g.backend.Generate(attemptCtx, prepared, mode)
		cancel()
		attemptDuration := time.Since(start)

		g.observer.RecordAttempt(models.RequestMetric{
			Timestamp:   time.Now(),
			Backend:     g.backend.Kind(),
			Model:       g.backend.Model(),
			Success:     err == nil,
			Execution:   attemptDuration,
			Attempts:    1,
			TotalTokens: totalTokens(result),
			ErrorClass:  errClassLabel(err),
		})

		if err == nil {
			g.logger.Debug("Попытка успешна",
				zap.String("requestID", req.RequestID),
				zap.Int("attempt", attempt),
				zap.String("mode", string(mode)),
				zap.Duration("duration", attemptDuration))
			return result, attempts, nil
		}

		// Дедлайн попытки - ретраящийся таймаут
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
			err = fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}

		switch classify(err) {
		case classCapability:
			return nil, attempts, fmt.Errorf("%w: %v", models.ErrCapabilityRejected, err)
		case classFatal:
			g.logger.Warn("Терминальный отказ бэкенда, ретраи не выполняются",
				zap.String("requestID", req.RequestID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, attempts, fmt.Errorf("%w: %v", models.ErrBackendRejected, err)
		}

		lastErr = err
		g.logger.Warn("Ошибка вызова бэкенда",
			zap.String("requestID", req.RequestID),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", g.opts.MaxAttempts),
			zap.Duration("duration", attemptDuration),
			zap.Error(err))

		if attempt == g.opts.MaxAttempts {
			break
		}

		waitDuration := g.backoffDelay(attempt)
		g.logger.Debug("Ожидание перед следующей попыткой",
			zap.String("requestID", req.RequestID),
			zap.Duration("wait", waitDuration))
		select {
		case <-time.After(waitDuration):
		case <-ctx.Done():
			return nil, attempts, fmt.Errorf("%w: %v", models.ErrTimeout, ctx.Err())
		}
	}

	return nil, attempts, fmt.Errorf("%w (попыток: %d): %v",
		models.ErrExhaustedRetries, g.opts.MaxAttempts, lastErr)
}

// backoffDelay считает задержку: base * 2^(attempt-1) с джиттером ±10%.
func (g *Gateway) backoffDelay(attempt int) time.Duration {
	delay := float64(g.opts.BaseRetryDelay) * math.Pow(2, float64(attempt-1))
	jitter := delay * 0.1
	delay += jitter * (rand.Float64()*2 - 1)
	waitDuration := time.Duration(delay)
	if waitDuration < g.opts.BaseRetryDelay {
		waitDuration = g.opts.BaseRetryDelay
	}
	return waitDuration
}

// prepareRequest дополняет системный промпт инструкциями режима. Исходный
// запрос не мутируется - инвокации идемпотентны, ретраи шлют то же самое.
func (g *Gateway) prepareRequest(req *models.GenerationRequest, mode models.GenerationMode) *models.GenerationRequest {
	prepared := *req
	switch mode {
	case models.ModeStructured:
		prepared.SystemPrompt = joinPrompt(req.SystemPrompt, structuredInstructions(g.family))
	case models.ModeFreeText:
		prepared.SystemPrompt = joinPrompt(req.SystemPrompt, freeTextInstructions(g.family, g.vocab))
	}
	return &prepared
}

func joinPrompt(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}

func totalTokens(result *models.GenerationResult) int {
	if result == nil {
		return 0
	}
	return result.Usage.TotalTokens
}
