package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"vision_workflow/internal/logger"
)

// GeminiConfig configures the Gemini chat model adapter
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

type geminiOptions struct {
	searchGrounding bool
}

// WithSearchGrounding lets the model run Google Search while answering.
// Chat models other than Gemini ignore it.
func WithSearchGrounding() model.Option {
	return model.WrapImplSpecificOptFn(func(o *geminiOptions) {
		o.searchGrounding = true
	})
}

// SearchGroundingRequested reports whether opts carry WithSearchGrounding
func SearchGroundingRequested(opts ...model.Option) bool {
	return model.GetImplSpecificOptions(&geminiOptions{}, opts...).searchGrounding
}

// GeminiChatModel adapts the Google GenAI client to eino's chat model interface
type GeminiChatModel struct {
	client *genai.Client
	model  string
	config genai.GenerateContentConfig
}

var _ model.BaseChatModel = (*GeminiChatModel)(nil)

func NewGeminiChatModel(ctx context.Context, cfg GeminiConfig) (*GeminiChatModel, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-lite"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	temperature := cfg.Temperature
	gen := genai.GenerateContentConfig{
		Temperature: &temperature,
	}
	if cfg.MaxTokens > 0 {
		gen.MaxOutputTokens = int32(cfg.MaxTokens)
	}

	return &GeminiChatModel{
		client: client,
		model:  cfg.Model,
		config: gen,
	}, nil
}

// Generate sends the conversation and returns the reply as an assistant message
func (m *GeminiChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	system, contents := toGeminiContents(input)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: no user content to send")
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, m.requestConfig(system, opts...))
	if err != nil {
		return nil, err
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].GroundingMetadata != nil {
		gm := resp.Candidates[0].GroundingMetadata
		logger.FromContext(ctx, "gemini").Debug().
			Strs("search_queries", gm.WebSearchQueries).
			Int("sources", len(gm.GroundingChunks)).
			Msg("grounded reply")
	}
	return schema.AssistantMessage(resp.Text(), nil), nil
}

// requestConfig copies the base config for one call
func (m *GeminiChatModel) requestConfig(system *genai.Content, opts ...model.Option) *genai.GenerateContentConfig {
	common := model.GetCommonOptions(&model.Options{}, opts...)

	cfg := m.config
	cfg.SystemInstruction = system
	if common.Temperature != nil {
		t := *common.Temperature
		cfg.Temperature = &t
	}
	if common.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*common.MaxTokens)
	}
	if SearchGroundingRequested(opts...) {
		cfg.Tools = append(append([]*genai.Tool(nil), m.config.Tools...), &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	return &cfg
}

// Stream is not incremental: the whole reply arrives as one chunk
func (m *GeminiChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// toGeminiContents folds system messages into one system instruction and
// maps the rest onto user/model turns
func toGeminiContents(input []*schema.Message) (*genai.Content, []*genai.Content) {
	var (
		systemParts []string
		contents    []*genai.Content
	)
	for _, msg := range input {
		switch msg.Role {
		case schema.System:
			systemParts = append(systemParts, msg.Content)
		case schema.Assistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser)
	}
	return system, contents
}
