// Package parser нормализует сырые ответы генеративного бэкенда в каноническое
// решение агента. Парсер строгий: любое нераспознанное действие - явная
// ошибка, дефолтное действие не подставляется никогда.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"decision-server/internal/vocabulary"
	"decision-server/shared/models"
)

// Normalizer преобразует GenerationResult в ParsedResponse, разрешая синонимы
// и валидируя действие по закрытому словарю. Состояния не имеет, безопасен
// для конкурентного использования.
type Normalizer struct {
	vocab *vocabulary.Vocabulary
}

// New создает Normalizer над переданным словарем.
func New(vocab *vocabulary.Vocabulary) *Normalizer {
	return &Normalizer{vocab: vocab}
}

// jsonObjectRe выдергивает первый плоский JSON-объект из свободного текста.
// Модели часто оборачивают JSON в прозу или код-блоки.
var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

// selfRecord - самоописывающий ответ модели в свободнотекстовом режиме.
type selfRecord struct {
	Thinking string                 `json:"thinking"`
	Speaking string                 `json:"speaking"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params"`
}

// Parse нормализует сырой результат генерации.
// Порядок разрешения (побеждает первое применимое правило):
//  1. структурированный tool call -> разрешение имени через синонимы и словарь;
//  2. самоописывающий JSON {thinking, speaking, action} -> то же разрешение;
//  3. свободный текст -> сканирование синонимов, затем канонических id;
//  4. пустой ввод / нет совпадений -> явная ошибка.
func (n *Normalizer) Parse(raw *models.GenerationResult) (*models.ParsedResponse, error) {
	if raw == nil {
		return nil, n.parseError(models.ParseErrEmptyInput, "", "")
	}
	if raw.Structured() {
		return n.parseStructured(raw.ActionCall)
	}
	return n.ParseText(raw.Text)
}

// parseStructured обрабатывает правило 1: структурированный вызов действия.
func (n *Normalizer) parseStructured(call *models.ActionCall) (*models.ParsedResponse, error) {
	rawText := renderCall(call)

	canonical, ok := n.vocab.Resolve(call.Name)
	if !ok {
		return nil, n.parseError(models.ParseErrInvalidStructuredAction, call.Name, rawText)
	}

	resp := &models.ParsedResponse{Action: canonical}
	if len(call.Arguments) > 0 {
		params := make(map[string]interface{}, len(call.Arguments))
		for k, v := range call.Arguments {
			params[k] = v
		}
		// Нарративные поля модель передает параметрами tool call;
		// поднимаем их из мешка параметров в сам ответ.
		if s, ok := params["thinking"].(string); ok {
			resp.Thinking = s
			delete(params, "thinking")
		}
		if s, ok := params["speaking"].(string); ok {
			resp.Speaking = s
			delete(params, "speaking")
		}
		if len(params) > 0 {
			resp.ActionParams = params
		}
	}
	return resp, nil
}

// ParseText обрабатывает правила 2-4 над свободным текстом.
func (n *Normalizer) ParseText(text string) (*models.ParsedResponse, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, n.parseError(models.ParseErrEmptyInput, "", text)
	}

	// --- Правило 2: самоописывающий JSON ---
	if rec, ok := extractSelfRecord(trimmed); ok {
		canonical, valid := n.vocab.Resolve(rec.Action)
		if !valid {
			return nil, n.parseError(models.ParseErrInvalidAction, rec.Action, text)
		}
		resp := &models.ParsedResponse{
			Thinking: rec.Thinking,
			Speaking: rec.Speaking,
			Action:   canonical,
		}
		if len(rec.Params) > 0 {
			resp.ActionParams = rec.Params
		}
		return resp, nil
	}

	// --- Правило 3: сканирование свободного текста ---
	// Синонимы строго раньше канонических литералов: синонимы - конкретные
	// фразы, а голые id рискуют ложно совпасть как подстрока. Внутри класса
	// решает порядок объявления, не самое длинное совпадение (поведение
	// сознательно сохранено как есть; см. DESIGN.md).
	lower := strings.ToLower(text)
	for _, s := range n.vocab.Synonyms() {
		if strings.Contains(lower, s.Phrase) {
			return &models.ParsedResponse{Thinking: text, Action: s.Canonical}, nil
		}
	}
	for _, a := range n.vocab.Actions() {
		if strings.Contains(lower, a) {
			return &models.ParsedResponse{Thinking: text, Action: a}, nil
		}
	}

	// --- Правило 4: совпадений нет ---
	return nil, n.parseError(models.ParseErrUnrecognizedAction, "", text)
}

// extractSelfRecord пытается вытащить самоописывающий JSON из текста.
// Запись считается самоописывающей только при непустом поле action;
// иначе текст уходит на сканирование как свободный.
func extractSelfRecord(text string) (*selfRecord, bool) {
	candidate := strings.TrimSpace(stripCodeFence(text))

	var rec selfRecord
	if strings.HasPrefix(candidate, "{") {
		if err := json.Unmarshal([]byte(candidate), &rec); err == nil && rec.Action != "" {
			return &rec, true
		}
	}

	// Объект, утопленный в прозе
	if m := jsonObjectRe.FindString(candidate); m != "" {
		rec = selfRecord{}
		if err := json.Unmarshal([]byte(m), &rec); err == nil && rec.Action != "" {
			return &rec, true
		}
	}

	return nil, false
}

// stripCodeFence убирает обрамление ```json ... ```, если оно есть.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:] // отбрасываем метку языка
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func (n *Normalizer) parseError(kind models.ParseErrorKind, name, rawText string) *models.ParseError {
	return &models.ParseError{
		Kind:         kind,
		Name:         name,
		RawText:      rawText,
		ValidActions: n.vocab.Actions(),
	}
}

// renderCall дает текстовое представление tool call для поля RawText ошибок.
func renderCall(call *models.ActionCall) string {
	if len(call.Arguments) == 0 {
		return fmt.Sprintf("%s()", call.Name)
	}
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name
	}
	return fmt.Sprintf("%s(%s)", call.Name, args)
}
