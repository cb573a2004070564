package models

// ParsedResponse - провалидированное, каноническое решение агента,
// извлеченное из ответа бэкенда. Action всегда входит в словарь действий.
type ParsedResponse struct {
	Thinking     string                 `json:"thinking"`
	Speaking     string                 `json:"speaking"`
	Action       string                 `json:"action"`
	ActionParams map[string]interface{} `json:"actionParams,omitempty"`
}
