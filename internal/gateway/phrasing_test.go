package gateway

import (
	"strings"
	"testing"

	"decision-server/internal/vocabulary"

	"github.com/stretchr/testify/assert"
)

func TestResolveFamily(t *testing.T) {
	cases := []struct {
		model string
		want  ModelFamily
	}{
		{"qwen2.5:14b", FamilyQwen},
		{"Qwen/Qwen2-72B-Instruct", FamilyQwen},
		{"deepseek/deepseek-chat", FamilyDeepSeek},
		{"meta-llama/llama-3.1-8b-instruct", FamilyLlama},
		{"gpt-4o-mini", FamilyGeneric},
		{"", FamilyGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveFamily(tc.model), "model=%s", tc.model)
	}
}

func TestFreeTextInstructions_ListAllActions(t *testing.T) {
	vocab := vocabulary.Default()
	text := freeTextInstructions(FamilyDeepSeek, vocab)

	for _, a := range vocab.Actions() {
		assert.Contains(t, text, a)
	}
	assert.Contains(t, text, `"thinking"`)
	assert.Contains(t, text, `"action"`)
}

func TestInstructions_VaryByFamily(t *testing.T) {
	vocab := vocabulary.Default()
	qwen := freeTextInstructions(FamilyQwen, vocab)
	generic := freeTextInstructions(FamilyGeneric, vocab)
	assert.NotEqual(t, qwen, generic)
	assert.True(t, strings.Contains(qwen, "<think>"))
}
