package core

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Reserved state keys filled by the caller before the pipeline starts
const (
	KeyUserQuery           = "user_query"
	KeyConversationHistory = "conversation_history"
	KeyLongTermMemory      = "long_term_memory"
)

// Step is one ordered element of a pipeline: a single stage or a fan-out
type Step interface {
	Name() string
	// Requires lists the state keys the step reads
	Requires() []string
	// OutputKeys lists the state keys the step owns
	OutputKeys() []string
	Run(ctx context.Context, st *State) error
}

// Invoker sends one prompt to the remote text-generation service. opts are
// passed through to the chat model.
type Invoker interface {
	Invoke(ctx context.Context, messages []*schema.Message, opts ...model.Option) (string, error)
}

// InvokerFunc adapts a plain function to Invoker
type InvokerFunc func(ctx context.Context, messages []*schema.Message, opts ...model.Option) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, messages []*schema.Message, opts ...model.Option) (string, error) {
	return f(ctx, messages, opts...)
}

// CompletionHook runs after a stage stored its output. Errors are logged, never propagated.
type CompletionHook interface {
	OnStageComplete(ctx context.Context, stage string, st *State) error
}

// HookFunc adapts a plain function to CompletionHook
type HookFunc func(ctx context.Context, stage string, st *State) error

func (f HookFunc) OnStageComplete(ctx context.Context, stage string, st *State) error {
	return f(ctx, stage, st)
}

// FanOutPolicy decides what a branch failure does to the rest of the fan-out
type FanOutPolicy string

const (
	// PolicyPartial keeps successful branches and marks failed keys Unavailable
	PolicyPartial FanOutPolicy = "partial"
	// PolicyStrict fails the fan-out when any branch fails and merges nothing
	PolicyStrict FanOutPolicy = "strict"
)

// Unavailable is the failure marker stored under a failed branch's key
type Unavailable struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// BranchOutcome is the terminal state of one fan-out branch
type BranchOutcome struct {
	Key      string
	Value    any
	Err      error
	Duration time.Duration
}

// FanOutResult is built by the coordinator and consumed by the next step
type FanOutResult struct {
	Outputs  map[string]any   // output key -> parsed value
	Failures map[string]error // output key -> terminal error
}

// Succeeded reports whether key finished with a value
func (r *FanOutResult) Succeeded(key string) bool {
	_, ok := r.Outputs[key]
	return ok
}

// StepRecord is the explicit per-step report returned by the processor
type StepRecord struct {
	Name       string        `json:"name"`
	OutputKeys []string      `json:"output_keys"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"error,omitempty"`
}

// RunResult is returned by Processor.Run
type RunResult struct {
	FinalKey string
	Final    any
	Steps    []StepRecord
}
