package gateway

import (
	"fmt"
	"strings"

	"decision-server/internal/vocabulary"
)

// ModelFamily - закрытое перечисление семейств моделей. Семейство влияет
// только на формулировки инструкций, отправляемых бэкенду (какую конвенцию
// тегов рассуждения запрашивать), и никогда - на контракт парсинга.
type ModelFamily string

const (
	FamilyQwen     ModelFamily = "qwen"
	FamilyDeepSeek ModelFamily = "deepseek"
	FamilyLlama    ModelFamily = "llama"
	FamilyGeneric  ModelFamily = "generic"
)

// ResolveFamily определяет семейство по имени модели. Вызывается один раз
// при конфигурировании шлюза, не при каждом запросе.
func ResolveFamily(model string) ModelFamily {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "qwen"):
		return FamilyQwen
	case strings.Contains(m, "deepseek"):
		return FamilyDeepSeek
	case strings.Contains(m, "llama"):
		return FamilyLlama
	default:
		return FamilyGeneric
	}
}

// reasoningHint - подсказка о конвенции рассуждения для семейства.
func (f ModelFamily) reasoningHint() string {
	switch f {
	case FamilyQwen:
		return "Keep any <think></think> reasoning short and put your final answer after it."
	case FamilyDeepSeek:
		return "Do not emit chain-of-thought outside the JSON; reason inside the \"thinking\" field."
	case FamilyLlama:
		return "Answer directly without preamble."
	default:
		return "Be concise."
	}
}

// freeTextInstructions формирует инструкции свободнотекстового режима:
// размеченный блок мысль/речь/действие. Используется при fallback после
// отказа бэкенда от структурированных запросов.
func freeTextInstructions(family ModelFamily, vocab *vocabulary.Vocabulary) string {
	var b strings.Builder
	b.WriteString("AVAILABLE ACTIONS: ")
	b.WriteString(strings.Join(vocab.Actions(), ", "))
	b.WriteString("\n\nRESPOND WITH EXACTLY ONE JSON OBJECT:\n")
	b.WriteString(`{"thinking": "<your reasoning>", "speaking": "<what you say out loud>", "action": "<one action name from the list>"}`)
	b.WriteString("\n\nPick exactly one action. ")
	b.WriteString(family.reasoningHint())
	return b.String()
}

// structuredInstructions - короткая преамбула структурированного режима:
// бэкенд и так получает каталог действий как tools, здесь только требование
// нарративных параметров.
func structuredInstructions(family ModelFamily) string {
	return fmt.Sprintf(
		"Select exactly one action by calling its tool. "+
			"Fill the \"thinking\" and \"speaking\" parameters with your reasoning and spoken line. %s",
		family.reasoningHint())
}
