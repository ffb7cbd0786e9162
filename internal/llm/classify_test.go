package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"

	"vision_workflow/internal/core"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("error, status code: 429, status: 429 Too Many Requests, message: slow down"), 429},
		{fmt.Errorf("generate: %w", genai.APIError{Code: 503, Message: "unavailable"}), 503},
		{&core.TransientRemoteError{StatusCode: 504, Err: errors.New("gateway")}, 504},
		{errors.New("ark request failed: StatusCode=500"), 500},
		{errors.New("connection refused"), 0},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestClassifier(t *testing.T) {
	c := Classifier{StatusCodes: []int{429, 500, 503, 504}}

	assert.True(t, c.IsRetryable(errors.New("status code: 429")))
	assert.True(t, c.IsRetryable(genai.APIError{Code: 500}))
	assert.True(t, c.IsRetryable(fmt.Errorf("post: %w", timeoutErr{})))
	assert.False(t, c.IsRetryable(errors.New("status code: 400")))
	assert.False(t, c.IsRetryable(errors.New("status code: 502")))
	assert.False(t, c.IsRetryable(errors.New("boom")))
	assert.False(t, c.IsRetryable(nil))

	c.Predicate = func(err error) bool { return err.Error() == "boom" }
	assert.True(t, c.IsRetryable(errors.New("boom")))
}

func TestModelConfigValidate(t *testing.T) {
	cfg := ModelConfig{Provider: "gemini", Model: "gemini-2.0-flash-lite"}
	err := cfg.Validate()
	assert.ErrorIs(t, err, core.ErrMissingCredential)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	cfg.APIKey = "key"
	assert.NoError(t, cfg.Validate())

	assert.NoError(t, ModelConfig{Provider: "ollama", Model: "llava"}.Validate())
	assert.ErrorAs(t, ModelConfig{Provider: "cohere", Model: "x", APIKey: "k"}.Validate(), &cfgErr)
	assert.ErrorAs(t, ModelConfig{Provider: "openai", APIKey: "k"}.Validate(), &cfgErr)
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]*schema.Message{
		schema.SystemMessage("You are a researcher."),
		schema.UserMessage("Find models."),
		schema.AssistantMessage("not json", nil),
		schema.UserMessage("Reply with JSON only."),
	})

	if assert.NotNil(t, system) {
		assert.Equal(t, "You are a researcher.", system.Parts[0].Text)
	}
	if assert.Len(t, contents, 3) {
		assert.Equal(t, string(genai.RoleUser), contents[0].Role)
		assert.Equal(t, string(genai.RoleModel), contents[1].Role)
		assert.Equal(t, "Reply with JSON only.", contents[2].Parts[0].Text)
	}
}
