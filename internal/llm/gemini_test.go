package llm

import (
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGeminiRequestConfigSearchGrounding(t *testing.T) {
	temperature := float32(0.2)
	m := &GeminiChatModel{model: "gemini-2.0-flash-lite", config: genai.GenerateContentConfig{Temperature: &temperature}}
	system := genai.NewContentFromText("be brief", genai.RoleUser)

	plain := m.requestConfig(system)
	assert.Empty(t, plain.Tools)
	assert.Equal(t, system, plain.SystemInstruction)

	grounded := m.requestConfig(system, WithSearchGrounding())
	require.Len(t, grounded.Tools, 1)
	assert.NotNil(t, grounded.Tools[0].GoogleSearch)

	// the base config is never mutated between calls
	assert.Empty(t, m.config.Tools)
	assert.Nil(t, m.config.SystemInstruction)

	tuned := m.requestConfig(nil, model.WithTemperature(0.9), model.WithMaxTokens(256))
	assert.Equal(t, float32(0.9), *tuned.Temperature)
	assert.Equal(t, int32(256), tuned.MaxOutputTokens)
	assert.Equal(t, float32(0.2), *m.config.Temperature)
}

func TestSearchGroundingRequested(t *testing.T) {
	assert.False(t, SearchGroundingRequested())
	assert.False(t, SearchGroundingRequested(model.WithTemperature(0.1)))
	assert.True(t, SearchGroundingRequested(model.WithTemperature(0.1), WithSearchGrounding()))
}
