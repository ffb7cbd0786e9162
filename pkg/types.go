package pkg

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Core types shared between the pipeline, storage and the HTTP layer

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn represents a single message in a session's conversation history
type Turn struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the unit of continuity across pipeline runs
type Session struct {
	ID        string         `json:"id"`
	History   []Turn         `json:"history"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no slices or maps with s
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]Turn(nil), s.History...)
	out.State = make(map[string]any, len(s.State))
	for k, v := range s.State {
		out.State[k] = v
	}
	return &out
}

// MemoryEntry is one long-term memory snapshot of a session
type MemoryEntry struct {
	SessionID string         `json:"session_id"`
	SavedAt   time.Time      `json:"saved_at"`
	History   []Turn         `json:"history"`
	State     map[string]any `json:"state"`
}

// RunTrace is the durable record of one pipeline run
type RunTrace struct {
	SessionID           string            `json:"session_id"`
	RunID               string            `json:"run_id"`
	UserQuery           string            `json:"user_query"`
	TaskRequest         any               `json:"task_request,omitempty"`
	IntermediateResults map[string]any    `json:"intermediate_results"`
	BranchFailures      map[string]string `json:"branch_failures,omitempty"`
	FinalStrategy       string            `json:"final_strategy"`
	CitationAudit       any               `json:"citation_audit,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         time.Time         `json:"completed_at"`
}

// AnalyzeRequest is the inbound API request body
type AnalyzeRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// AnalyzeResponse is the inbound API response body
type AnalyzeResponse struct {
	SessionID    string `json:"session_id"`
	StrategyJSON string `json:"strategy_json"`
}

// AnalysisResult is what the orchestrator hands back to its callers
type AnalysisResult struct {
	SessionID    string            `json:"session_id"`
	RunID        string            `json:"run_id"`
	StrategyJSON string            `json:"strategy_json"`
	Strategy     map[string]any    `json:"strategy"`
	Failures     map[string]string `json:"failures,omitempty"`
}

// FinalStrategy is a typed view of the synthesis output. The pipeline itself
// carries decoded JSON values.
type FinalStrategy struct {
	TaskSummary        string         `json:"task_summary"`
	ModelStrategy      map[string]any `json:"model_strategy"`
	DatasetPlan        map[string]any `json:"dataset_plan"`
	EvaluationStrategy map[string]any `json:"evaluation_strategy"`
	DeploymentNotes    any            `json:"deployment_notes"`
}

// DecodeFinalStrategy parses the strategy_json of an analysis
func DecodeFinalStrategy(strategyJSON string) (*FinalStrategy, error) {
	var fs FinalStrategy
	if err := sonic.UnmarshalString(strategyJSON, &fs); err != nil {
		return nil, fmt.Errorf("decode final strategy: %w", err)
	}
	return &fs, nil
}

// StringField returns a string member of one of the strategy sections
func StringField(section map[string]any, key string) string {
	s, _ := section[key].(string)
	return s
}

// Prompt is the role and instruction template of one stage. Instructions use
// {key} placeholders over session state keys; literal braces are doubled.
type Prompt struct {
	Role        string `yaml:"role" json:"role"`
	Instruction string `yaml:"instruction" json:"instruction"`
}
