package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"decision-server/internal/config"
	"decision-server/shared/models"

	ollamaapi "github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Константы цен (OpenRouter, за 1М токенов в USD)
const (
	pricePerMillionInputTokensUSD  = 0.1
	pricePerMillionOutputTokensUSD = 0.4
)

// Backend выполняет одну попытку генерации в заданном режиме.
// Ретраи, таймауты и fallback между режимами - ответственность шлюза.
type Backend interface {
	Kind() models.BackendKind
	Model() string
	Generate(ctx context.Context, req *models.GenerationRequest, mode models.GenerationMode) (*models.GenerationResult, error)
}

// NewBackend создает бэкенд в зависимости от конфигурации.
func NewBackend(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		logger.Info("Используется реализация бэкенда: OpenAI",
			zap.String("baseURL", cfg.AIBaseURL), zap.String("model", cfg.AIModel))
		return newOpenAIBackend(cfg, logger), nil
	case "ollama":
		logger.Info("Используется реализация бэкенда: Ollama",
			zap.String("baseURL", cfg.AIBaseURL), zap.String("model", cfg.AIModel))
		return newOllamaBackend(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип бэкенда: %q", cfg.AIClientType)
	}
}

// errorClass - классификация ошибки попытки для решения о ретрае.
type errorClass int

const (
	classTransient  errorClass = iota // ретраится с backoff
	classCapability                   // отказ от структурированного режима, один fallback
	classFatal                        // немедленно наружу, без ретраев
)

// classify относит ошибку попытки к классу. Транзиентные: таймаут, обрыв
// соединения, 429/5xx, прочие сетевые сбои. Капабилити: 400 с жалобой на
// tools. Остальные 4xx - терминальные.
func classify(err error) errorClass {
	if err == nil {
		return classFatal
	}

	if errors.Is(err, models.ErrCapabilityRejected) {
		return classCapability
	}
	if errors.Is(err, models.ErrTimeout) || errors.Is(err, models.ErrTransport) {
		return classTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}

	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if isToolRejection(apiErr.HTTPStatusCode, apiErr.Message) {
			return classCapability
		}
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return classTransient
		}
		return classFatal
	}

	var statusErr ollamaapi.StatusError
	if errors.As(err, &statusErr) {
		if isToolRejection(statusErr.StatusCode, statusErr.ErrorMessage) {
			return classCapability
		}
		if statusErr.StatusCode == 429 || statusErr.StatusCode >= 500 {
			return classTransient
		}
		return classFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}

	// Неизвестную ошибку считаем общим транспортным сбоем
	return classTransient
}

// isToolRejection распознает отказ бэкенда от структурированного запроса.
func isToolRejection(status int, message string) bool {
	if status != 400 && status != 404 {
		return false
	}
	msg := strings.ToLower(message)
	return strings.Contains(msg, "tool") || strings.Contains(msg, "function calling")
}

// ErrorClassLabel - метка класса ошибки для телеметрии.
func ErrorClassLabel(err error) string {
	return errClassLabel(err)
}

// errClassLabel - метка класса ошибки для телеметрии.
func errClassLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrCapabilityRejected):
		return "capability_rejected"
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, models.ErrBackendRejected):
		return "backend_rejected"
	default:
		return "transport"
	}
}

// calculateCost рассчитывает оценочную стоимость запроса по токенам.
func calculateCost(promptTokens, completionTokens int) float64 {
	inputCost := float64(promptTokens) * pricePerMillionInputTokensUSD / 1_000_000.0
	outputCost := float64(completionTokens) * pricePerMillionOutputTokensUSD / 1_000_000.0
	return inputCost + outputCost
}

// estimateUsage оценивает токены через tiktoken, когда бэкенд не вернул usage.
func estimateUsage(model, prompt, completion string) models.UsageInfo {
	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Незнакомая модель - берем универсальную кодировку
		tke, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return models.UsageInfo{}
		}
	}
	promptTokens := len(tke.Encode(prompt, nil, nil))
	completionTokens := len(tke.Encode(completion, nil, nil))
	return models.UsageInfo{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		EstimatedCostUSD: calculateCost(promptTokens, completionTokens),
	}
}

// --- Вспомогательные функции для конвертации указателей (как в API клиентах) ---

func float32Val(f64 *float64, def float32) float32 {
	if f64 == nil {
		return def
	}
	return float32(*f64)
}

func intVal(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}
