package models

import (
	"errors"
	"fmt"
	"strings"
)

// Стандартные ошибки шлюза инвокаций
var (
	// Транзиентные ошибки (повторяются с backoff)
	ErrTimeout   = errors.New("backend request timed out")
	ErrTransport = errors.New("backend transport failure")

	// Терминальные ошибки (отдаются вызывающему)
	ErrExhaustedRetries = errors.New("retry budget exhausted")
	ErrBackendRejected  = errors.New("request rejected by backend")

	// ErrCapabilityRejected - отказ бэкенда от структурированного режима.
	// Не видна вызывающему: шлюз один раз переключается на свободный текст.
	ErrCapabilityRejected = errors.New("backend does not support structured requests")

	// ErrEmptyBackendResponse - бэкенд ответил успешно, но без контента.
	ErrEmptyBackendResponse = errors.New("backend returned empty response")
)

// ParseErrorKind классифицирует ошибки нормализации ответа.
type ParseErrorKind string

const (
	ParseErrEmptyInput              ParseErrorKind = "empty_input"
	ParseErrInvalidStructuredAction ParseErrorKind = "invalid_structured_action"
	ParseErrInvalidAction           ParseErrorKind = "invalid_action"
	ParseErrUnrecognizedAction      ParseErrorKind = "unrecognized_action"
)

// ParseError - ошибка нормализации ответа бэкенда. Всегда несет исходный
// текст и полный список допустимых действий, чтобы вызывающий мог построить
// корректирующий повторный промпт. Никогда не ретраится внутри пайплайна.
type ParseError struct {
	Kind         ParseErrorKind
	Name         string   // имя невалидного действия (для Invalid*Action)
	RawText      string   // исходный сырой текст ответа
	ValidActions []string // полный словарь канонических действий
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseErrEmptyInput:
		return "parse error: пустой ответ бэкенда"
	case ParseErrInvalidStructuredAction:
		return fmt.Sprintf("parse error: невалидное действие в tool call: %q", e.Name)
	case ParseErrInvalidAction:
		return fmt.Sprintf("parse error: невалидное действие в ответе: %q", e.Name)
	case ParseErrUnrecognizedAction:
		return fmt.Sprintf("parse error: действие не распознано; допустимые: %s",
			strings.Join(e.ValidActions, ", "))
	default:
		return fmt.Sprintf("parse error: %s", e.Kind)
	}
}

// IsParseError возвращает *ParseError, если err им является.
func IsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
