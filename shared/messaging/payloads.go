package messaging

import (
	"time"

	"decision-server/shared/models"
)

// DecisionTaskPayload - структура сообщения для задачи принятия решения.
// Текст промпта собирает внешний коллаборатор (симуляция), сюда он приходит
// уже готовым вместе с каталогом действий.
type DecisionTaskPayload struct {
	TaskID        string                 `json:"taskId"`
	AgentID       string                 `json:"agentId"`
	SystemPrompt  string                 `json:"systemPrompt,omitempty"`
	Prompt        string                 `json:"prompt"`
	Temperature   *float64               `json:"temperature,omitempty"`
	MaxTokens     *int                   `json:"maxTokens,omitempty"`
	StopSequences []string               `json:"stopSequences,omitempty"`
	Backend       models.BackendKind     `json:"backend,omitempty"` // пусто - бэкенд из конфигурации
	ActionCatalog []models.CatalogAction `json:"actionCatalog,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueuedAt"` // для замера времени ожидания в очереди
}

// ResultStatus определяет статус результата.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// DecisionResultPayload - структура сообщения с готовым решением.
// При ошибке парсинга несет исходный текст и словарь допустимых действий,
// чтобы вызывающий мог построить корректирующий повторный промпт.
type DecisionResultPayload struct {
	TaskID       string                 `json:"taskId"`
	AgentID      string                 `json:"agentId"`
	Status       ResultStatus           `json:"status"`
	Decision     *models.ParsedResponse `json:"decision,omitempty"`
	Usage        *models.UsageInfo      `json:"usage,omitempty"`
	Attempts     int                    `json:"attempts,omitempty"`
	ErrorClass   string                 `json:"errorClass,omitempty"`
	ErrorDetails string                 `json:"errorDetails,omitempty"`
	RawText      string                 `json:"rawText,omitempty"`
	ValidActions []string               `json:"validActions,omitempty"`
}
