// Package worker обрабатывает задачи принятия решений из очереди RabbitMQ.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"decision-server/internal/gateway"
	"decision-server/internal/service"
	"decision-server/shared/messaging"
	"decision-server/shared/models"

	"go.uber.org/zap"
)

// ResultSink публикует готовый результат задачи.
type ResultSink interface {
	Publish(ctx context.Context, result messaging.DecisionResultPayload) error
}

// Decider - контракт пайплайна решения.
type Decider interface {
	Decide(ctx context.Context, req *models.GenerationRequest, waitTime time.Duration) (*service.Outcome, error)
}

// TaskProcessor превращает задачу из очереди в результат. Ошибки пайплайна -
// ожидаемый исход: они публикуются как результат со статусом error, а не
// улетают в DLQ. В DLQ попадают только задачи, для которых не удалось
// опубликовать результат.
type TaskProcessor struct {
	decider   Decider
	publisher ResultSink
	logger    *zap.Logger
	active    atomic.Int32
}

func NewTaskProcessor(decider Decider, publisher ResultSink, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{
		decider:   decider,
		publisher: publisher,
		logger:    logger.Named("TaskProcessor"),
	}
}

// Active возвращает число задач в обработке прямо сейчас.
func (p *TaskProcessor) Active() int {
	return int(p.active.Load())
}

// Handle обрабатывает одну задачу из очереди.
func (p *TaskProcessor) Handle(ctx context.Context, payload messaging.DecisionTaskPayload) error {
	p.active.Add(1)
	defer p.active.Add(-1)

	waitTime := time.Duration(0)
	if !payload.EnqueuedAt.IsZero() {
		waitTime = time.Since(payload.EnqueuedAt)
	}

	req := requestFromPayload(payload)
	p.logger.Info("Принята задача",
		zap.String("taskID", payload.TaskID),
		zap.String("agentID", payload.AgentID),
		zap.Duration("waitTime", waitTime))

	outcome, err := p.decider.Decide(ctx, req, waitTime)

	var result messaging.DecisionResultPayload
	if err != nil {
		result = errorResult(payload, err)
	} else {
		result = messaging.DecisionResultPayload{
			TaskID:   payload.TaskID,
			AgentID:  payload.AgentID,
			Status:   messaging.ResultStatusSuccess,
			Decision: outcome.Decision,
			Usage:    &outcome.Result.Usage,
			Attempts: outcome.Result.Attempts,
		}
	}

	if pubErr := p.publisher.Publish(ctx, result); pubErr != nil {
		return fmt.Errorf("ошибка публикации результата задачи %s: %w", payload.TaskID, pubErr)
	}
	return nil
}

// errorResult собирает результат с диагностикой. Для ошибок разбора в payload
// кладутся исходный текст и словарь действий.
func errorResult(payload messaging.DecisionTaskPayload, err error) messaging.DecisionResultPayload {
	result := messaging.DecisionResultPayload{
		TaskID:       payload.TaskID,
		AgentID:      payload.AgentID,
		Status:       messaging.ResultStatusError,
		ErrorDetails: err.Error(),
	}

	var parseErr *models.ParseError
	if errors.As(err, &parseErr) {
		result.ErrorClass = "parse"
		result.RawText = parseErr.RawText
		result.ValidActions = parseErr.ValidActions
	} else {
		result.ErrorClass = gateway.ErrorClassLabel(err)
	}
	return result
}

func requestFromPayload(payload messaging.DecisionTaskPayload) *models.GenerationRequest {
	return &models.GenerationRequest{
		RequestID:    payload.TaskID,
		AgentID:      payload.AgentID,
		SystemPrompt: payload.SystemPrompt,
		Prompt:       payload.Prompt,
		Params: models.GenerationParams{
			Temperature: payload.Temperature,
			MaxTokens:   payload.MaxTokens,
		},
		StopSequences: payload.StopSequences,
		Backend:       payload.Backend,
		ActionCatalog: payload.ActionCatalog,
	}
}
