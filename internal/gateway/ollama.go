package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"decision-server/internal/config"
	"decision-server/shared/models"

	ollamaapi "github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// ollamaBackend реализует Backend поверх нативного API Ollama.
type ollamaBackend struct {
	client *ollamaapi.Client
	model  string
	logger *zap.Logger
}

func newOllamaBackend(cfg *config.Config, logger *zap.Logger) (*ollamaBackend, error) {
	// api.NewClient требует URL без суффикса /v1
	baseURL := strings.TrimSuffix(cfg.AIBaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL %q: %w", baseURL, err)
	}

	httpClient := &http.Client{Timeout: cfg.AITimeout + 5*time.Second}

	return &ollamaBackend{
		client: ollamaapi.NewClient(parsedURL, httpClient),
		model:  cfg.AIModel,
		logger: logger.Named("ollama"),
	}, nil
}

func (b *ollamaBackend) Kind() models.BackendKind { return models.BackendOllama }
func (b *ollamaBackend) Model() string            { return b.model }

// Generate выполняет одну попытку генерации.
func (b *ollamaBackend) Generate(ctx context.Context, req *models.GenerationRequest, mode models.GenerationMode) (*models.GenerationResult, error) {
	messages := []ollamaapi.Message{}
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaapi.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ollamaapi.Message{Role: "user", Content: req.Prompt})

	options := map[string]interface{}{
		"num_predict": intVal(req.Params.MaxTokens, -1),
	}
	if req.Params.Temperature != nil {
		options["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		options["top_p"] = *req.Params.TopP
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	chatReq := &ollamaapi.ChatRequest{
		Model:    b.model,
		Messages: messages,
		Stream:   func(v bool) *bool { return &v }(false),
		Options:  options,
	}

	if mode == models.ModeStructured {
		tools, err := catalogToOllamaTools(req.ActionCatalog)
		if err != nil {
			return nil, fmt.Errorf("ошибка построения tools: %w", err)
		}
		chatReq.Tools = tools
	}

	start := time.Now()
	var resp ollamaapi.ChatResponse
	err := b.client.Chat(ctx, chatReq, func(r ollamaapi.ChatResponse) error {
		resp = r // без стрима приходит единственный полный ответ
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}
		return nil, err
	}

	result := &models.GenerationResult{
		Mode:       mode,
		Backend:    models.BackendOllama,
		Model:      b.model,
		StopReason: resp.DoneReason,
		Duration:   duration,
	}

	if len(resp.Message.ToolCalls) > 0 {
		tc := resp.Message.ToolCalls[0]
		result.ActionCall = &models.ActionCall{
			Name:      tc.Function.Name,
			Arguments: map[string]interface{}(tc.Function.Arguments),
		}
	} else {
		if resp.Message.Content == "" {
			return nil, fmt.Errorf("%w: %v", models.ErrTransport, models.ErrEmptyBackendResponse)
		}
		result.Text = resp.Message.Content
	}

	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		result.Usage = models.UsageInfo{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			EstimatedCostUSD: 0, // Ollama локальный, стоимость 0
		}
	}

	b.logger.Debug("Ответ Ollama получен",
		zap.String("requestID", req.RequestID),
		zap.String("mode", string(mode)),
		zap.Duration("duration", duration),
		zap.Bool("structured", result.Structured()))

	return result, nil
}

// catalogToOllamaTools собирает api.Tools через JSON, чтобы не зависеть от
// вложенных типов схемы, меняющихся между версиями пакета.
func catalogToOllamaTools(catalog []models.CatalogAction) (ollamaapi.Tools, error) {
	specs := make([]map[string]interface{}, 0, len(catalog))
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
		specs = append(specs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        action.Name,
				"description": action.Description,
				"parameters": map[string]interface{}{
					"type":       "object",
					"required":   []string{"thinking"},
					"properties": properties,
				},
			},
		})
	}

	raw, err := json.Marshal(specs)
	if err != nil {
		return nil, err
	}
	var tools ollamaapi.Tools
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}
