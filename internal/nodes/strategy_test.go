package nodes

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"vision_workflow/pkg"
)

func TestHistoryStrategyBuildContext(t *testing.T) {
	s := NewHistoryStrategy(6)
	assert.Equal(t, 6, s.GetMaxTurns())

	assert.Equal(t, "<conversation_context>\n</conversation_context>", s.BuildContext(nil))

	got := s.BuildContext([]pkg.Turn{
		{Role: pkg.RoleUser, Content: "detect cracks in pavement surfaces"},
		{Role: pkg.RoleAssistant, Content: `{"task_summary":"crack segmentation"}`},
		{Role: pkg.RoleSystem, Content: "ignored"},
	})
	assert.Equal(t, "<conversation_context>\n"+
		"UserMessage(detect cracks in pavement surfaces)\n"+
		`AssistantMessage({"task_summary":"crack segmentation"})`+"\n"+
		"</conversation_context>", got)
}

func TestHistoryStrategyKeepsLastTurns(t *testing.T) {
	var turns []pkg.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, pkg.Turn{Role: pkg.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}

	got := NewHistoryStrategy(2).BuildContext(turns)
	assert.NotContains(t, got, "turn 7")
	assert.Contains(t, got, "UserMessage(turn 8)")
	assert.Contains(t, got, "UserMessage(turn 9)")

	assert.NotContains(t, NewHistoryStrategy(0).BuildContext(turns), "UserMessage")
}
