package models

import "time"

// BackendKind определяет тип генеративного бэкенда.
type BackendKind string

const (
	BackendOpenAI BackendKind = "openai"
	BackendOllama BackendKind = "ollama"
)

// GenerationMode определяет режим запроса к бэкенду.
// Сначала запрашивается структурированный ответ (tool call), при отказе
// бэкенда шлюз один раз переключается на свободный текст.
type GenerationMode string

const (
	ModeStructured GenerationMode = "structured"
	ModeFreeText   GenerationMode = "free_text"
)

// GenerationParams - параметры генерации.
// Используем указатели, чтобы отличить 0/0.0 от отсутствия значения.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// CatalogAction описывает одно действие в каталоге, объявляемом бэкенду
// в структурированном режиме.
type CatalogAction struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"` // имя параметра -> описание
}

// GenerationRequest - один логический запрос на генерацию.
type GenerationRequest struct {
	RequestID     string
	AgentID       string
	SystemPrompt  string
	Prompt        string
	Params        GenerationParams
	StopSequences []string
	Backend       BackendKind       // селектор бэкенда; пустой - берется из конфигурации
	Headers       map[string]string // дополнительные заголовки (OpenRouter referer и т.п.)
	ActionCatalog []CatalogAction   // каталог действий для структурированного режима
}

// UsageInfo содержит информацию об использовании токенов и стоимости.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64 // Оценочная стоимость
}

// ActionCall - структурированный вызов действия из ответа бэкенда
// (message.tool_calls[0].function).
type ActionCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// GenerationResult - сырой результат генерации: либо структурированный вызов
// действия, либо свободный текст. Ровно одно из полей ActionCall/Text значимо.
type GenerationResult struct {
	ActionCall *ActionCall
	Text       string
	Mode       GenerationMode // режим, в котором был получен ответ
	Backend    BackendKind
	Model      string
	StopReason string
	Usage      UsageInfo
	Duration   time.Duration
	Attempts   int // сколько попыток понадобилось
}

// Structured сообщает, содержит ли результат структурированный вызов действия.
func (r *GenerationResult) Structured() bool {
	return r != nil && r.ActionCall != nil
}
