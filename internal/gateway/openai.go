package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"decision-server/internal/config"
	"decision-server/shared/models"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// openAIBackend реализует Backend поверх go-openai (OpenAI-совместимые API,
// включая OpenRouter).
type openAIBackend struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func newOpenAIBackend(cfg *config.Config, logger *zap.Logger) *openAIBackend {
	clientConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
	clientConfig.BaseURL = cfg.AIBaseURL
	clientConfig.HTTPClient = &http.Client{
		// Верхняя граница на весь HTTP-обмен; логический дедлайн попытки
		// задает шлюз через контекст.
		Timeout:   cfg.AITimeout + 5*time.Second,
		Transport: &headerRoundTripper{base: http.DefaultTransport},
	}
	return &openAIBackend{
		client: openaigo.NewClientWithConfig(clientConfig),
		model:  cfg.AIModel,
		logger: logger.Named("openai"),
	}
}

func (b *openAIBackend) Kind() models.BackendKind { return models.BackendOpenAI }
func (b *openAIBackend) Model() string            { return b.model }

// Generate выполняет одну попытку генерации.
func (b *openAIBackend) Generate(ctx context.Context, req *models.GenerationRequest, mode models.GenerationMode) (*models.GenerationResult, error) {
	messages := []openaigo.ChatCompletionMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openaigo.ChatCompletionMessage{
		Role:    openaigo.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openaigo.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: float32Val(req.Params.Temperature, 1.0),
		MaxTokens:   intVal(req.Params.MaxTokens, 0),
		TopP:        float32Val(req.Params.TopP, 0),
		Stop:        req.StopSequences,
	}

	if mode == models.ModeStructured {
		chatReq.Tools = catalogToTools(req.ActionCatalog)
		// Требуем ровно один вызов действия
		chatReq.ToolChoice = "required"
	}

	if len(req.Headers) > 0 {
		ctx = withExtraHeaders(ctx, req.Headers)
	}

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, models.ErrEmptyBackendResponse)
	}

	choice := resp.Choices[0]
	result := &models.GenerationResult{
		Mode:       mode,
		Backend:    models.BackendOpenAI,
		Model:      b.model,
		StopReason: string(choice.FinishReason),
		Duration:   duration,
	}

	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		call := &models.ActionCall{Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]interface{}
			if jsonErr := json.Unmarshal([]byte(tc.Function.Arguments), &args); jsonErr != nil {
				// Аргументы битые - оставляем вызов без параметров,
				// строгость дальше обеспечивает нормализатор.
				b.logger.Warn("Не удалось разобрать аргументы tool call",
					zap.String("requestID", req.RequestID), zap.Error(jsonErr))
			} else {
				call.Arguments = args
			}
		}
		result.ActionCall = call
	} else {
		if choice.Message.Content == "" {
			return nil, fmt.Errorf("%w: %v", models.ErrTransport, models.ErrEmptyBackendResponse)
		}
		result.Text = choice.Message.Content
	}

	if resp.Usage.TotalTokens > 0 {
		result.Usage = models.UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			EstimatedCostUSD: calculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		}
	} else {
		result.Usage = estimateUsage(b.model, req.SystemPrompt+req.Prompt, result.Text)
	}

	b.logger.Debug("Ответ бэкенда получен",
		zap.String("requestID", req.RequestID),
		zap.String("mode", string(mode)),
		zap.Duration("duration", duration),
		zap.Int("totalTokens", result.Usage.TotalTokens),
		zap.Bool("structured", result.Structured()))

	return result, nil
}

// catalogToTools объявляет каталог действий как набор функций: по одной на
// действие, с нарративными параметрами thinking/speaking и типизированными
// параметрами самого действия.
func catalogToTools(catalog []models.CatalogAction) []openaigo.Tool {
	tools := make([]openaigo.Tool, 0, len(catalog))
	for _, action := range catalog {
		properties := map[string]interface{}{
			"thinking": map[string]interface{}{
				"type":        "string",
				"description": "Your reasoning for choosing this action.",
			},
			"speaking": map[string]interface{}{
				"type":        "string",
				"description": "What the agent says out loud. May be empty.",
			},
		}
		for name, desc := range action.Params {
			properties[name] = map[string]interface{}{
				"type":        "string",
				"description": desc,
			}
		}
		tools = append(tools, openaigo.Tool{
			Type: openaigo.ToolTypeFunction,
			Function: &openaigo.FunctionDefinition{
				Name:        action.Name,
				Description: action.Description,
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": properties,
					"required":   []string{"thinking"},
				},
			},
		})
	}
	return tools
}

// --- Прокидывание заголовков запроса через контекст ---
// go-openai не дает выставлять заголовки на отдельный запрос, поэтому
// транспорт читает их из контекста.

type headersCtxKey struct{}

func withExtraHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headersCtxKey{}, headers)
}

type headerRoundTripper struct {
	base http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if headers, ok := req.Context().Value(headersCtxKey{}).(map[string]string); ok {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
