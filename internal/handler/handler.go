// Package handler содержит HTTP-обработчики сервиса принятия решений.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"decision-server/internal/service"
	"decision-server/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Aggregator отдает агрегаты метрик за скользящее окно.
type Aggregator interface {
	GetAggregated(windowMinutes int) models.AggregatedMetrics
}

// Decider - контракт пайплайна решения для HTTP-пути.
type Decider interface {
	Decide(ctx context.Context, req *models.GenerationRequest, waitTime time.Duration) (*service.Outcome, error)
}

// Handler обрабатывает синхронные HTTP-запросы. Очередь HTTP-путь не
// задействует, поэтому время ожидания всегда ноль.
type Handler struct {
	decider    Decider
	aggregator Aggregator
	logger     *zap.Logger
}

func NewHandler(decider Decider, aggregator Aggregator, logger *zap.Logger) *Handler {
	return &Handler{
		decider:    decider,
		aggregator: aggregator,
		logger:     logger.Named("Handler"),
	}
}

// RegisterRoutes регистрирует маршруты API.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/decide", h.Decide)
		api.GET("/metrics", h.Metrics)
	}
}

// decideRequest - тело POST /api/decide.
type decideRequest struct {
	AgentID       string                 `json:"agentId"`
	SystemPrompt  string                 `json:"systemPrompt"`
	Prompt        string                 `json:"prompt" binding:"required"`
	Temperature   *float64               `json:"temperature"`
	MaxTokens     *int                   `json:"maxTokens"`
	StopSequences []string               `json:"stopSequences"`
	Backend       models.BackendKind     `json:"backend"`
	ActionCatalog []models.CatalogAction `json:"actionCatalog"`
}

type decideResponse struct {
	RequestID string                 `json:"requestId"`
	Decision  *models.ParsedResponse `json:"decision"`
	Usage     models.UsageInfo       `json:"usage"`
	Attempts  int                    `json:"attempts"`
	Mode      models.GenerationMode  `json:"mode"`
	Model     string                 `json:"model"`
}

// Decide выполняет один запрос принятия решения синхронно.
func (h *Handler) Decide(c *gin.Context) {
	var body decideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "невалидное тело запроса: " + err.Error()})
		return
	}

	req := &models.GenerationRequest{
		RequestID:    uuid.NewString(),
		AgentID:      body.AgentID,
		SystemPrompt: body.SystemPrompt,
		Prompt:       body.Prompt,
		Params: models.GenerationParams{
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		},
		StopSequences: body.StopSequences,
		Backend:       body.Backend,
		ActionCatalog: body.ActionCatalog,
	}

	outcome, err := h.decider.Decide(c.Request.Context(), req, 0)
	if err != nil {
		h.respondError(c, req.RequestID, err)
		return
	}

	c.JSON(http.StatusOK, decideResponse{
		RequestID: req.RequestID,
		Decision:  outcome.Decision,
		Usage:     outcome.Result.Usage,
		Attempts:  outcome.Result.Attempts,
		Mode:      outcome.Result.Mode,
		Model:     outcome.Result.Model,
	})
}

// respondError переводит ошибки пайплайна в HTTP-статусы. Ошибка разбора
// несет исходный текст и словарь действий для корректирующего повтора.
func (h *Handler) respondError(c *gin.Context, requestID string, err error) {
	var parseErr *models.ParseError
	if errors.As(err, &parseErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"requestId":    requestID,
			"error":        parseErr.Error(),
			"kind":         string(parseErr.Kind),
			"rawText":      parseErr.RawText,
			"validActions": parseErr.ValidActions,
		})
		return
	}

	status := http.StatusBadGateway
	if errors.Is(err, models.ErrExhaustedRetries) || errors.Is(err, models.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}

	h.logger.Error("Запрос решения завершился ошибкой",
		zap.String("requestID", requestID), zap.Error(err))
	c.JSON(status, gin.H{
		"requestId": requestID,
		"error":     err.Error(),
	})
}

// Metrics возвращает агрегаты метрик за окно window_minutes (по умолчанию 60).
func (h *Handler) Metrics(c *gin.Context) {
	window := 0
	if raw := c.Query("window_minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_minutes должен быть неотрицательным числом"})
			return
		}
		window = parsed
	}
	c.JSON(http.StatusOK, h.aggregator.GetAggregated(window))
}

// Health - проба живости.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
