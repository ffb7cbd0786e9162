package nodes

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"vision_workflow/pkg"
)

// HistoryStrategy renders the last N turns as the conversation_history value
type HistoryStrategy struct {
	maxTurns int
}

func NewHistoryStrategy(maxTurns int) *HistoryStrategy {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &HistoryStrategy{maxTurns: maxTurns}
}

func (s *HistoryStrategy) GetMaxTurns() int {
	return s.maxTurns
}

func (s *HistoryStrategy) BuildContext(turns []pkg.Turn) string {
	// Trim to last N messages
	recentMessages := trimTail(ToMessages(turns), s.maxTurns)

	var contextBuilder strings.Builder
	contextBuilder.WriteString("<conversation_context>\n")

	for _, msg := range recentMessages {
		switch msg.Role {
		case schema.User:
			contextBuilder.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			contextBuilder.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}

	contextBuilder.WriteString("</conversation_context>")
	return contextBuilder.String()
}

// ToMessages converts stored turns into chat messages. System turns are dropped.
func ToMessages(turns []pkg.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case pkg.RoleUser:
			messages = append(messages, schema.UserMessage(t.Content))
		case pkg.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(t.Content, nil))
		}
	}
	return messages
}

// trimTail keeps the last maxTurns messages
func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if len(messages) <= maxTurns {
		return messages
	}
	return messages[len(messages)-maxTurns:]
}
