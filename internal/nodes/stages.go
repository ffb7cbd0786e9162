package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"vision_workflow/internal/core"
	"vision_workflow/internal/llm"
	"vision_workflow/internal/storage"
	"vision_workflow/pkg"
)

// PipelineName is the graph name of the compiled pipeline
const PipelineName = "vision_workflow"

// Options carries everything the concrete stages are built from
type Options struct {
	Invoker        core.Invoker
	Policy         core.FanOutPolicy
	RepairAttempts int
	// Prompts overrides the built-in prompts by stage name
	Prompts map[string]pkg.Prompt

	// Sessions and Memory back the intake memory hook; both optional
	Sessions storage.SessionStore
	Memory   storage.MemoryStore

	// DisableCitationAudit skips the synthesis audit hook
	DisableCitationAudit bool

	// SearchGrounding lets the research stages search the web, on models
	// that support it
	SearchGrounding bool
}

var (
	taskRequestSchema = core.Schema{
		Shape: core.ShapeObject,
		Fields: []core.Field{
			{Name: "task", Kind: core.KindString},
			{Name: "keywords", Kind: core.KindList},
			{Name: "negative_keywords", Kind: core.KindList},
			{Name: "additional_notes", Kind: core.KindAny},
		},
	}

	sotaSchema = core.Schema{
		Shape:    core.ShapeList,
		MinItems: 1,
		Fields: []core.Field{
			{Name: "model_name", Kind: core.KindString},
			{Name: "description", Kind: core.KindString},
			{Name: "year", Kind: core.KindScalar},
			{Name: "url", Kind: core.KindAny},
		},
	}

	datasetSchema = core.Schema{
		Shape: core.ShapeObject,
		Fields: []core.Field{
			{Name: "recommended_datasets", Kind: core.KindList},
			{Name: "dataset_summary", Kind: core.KindString},
		},
	}

	evaluationSchema = core.Schema{
		Shape:    core.ShapeList,
		MinItems: 1,
		Fields: []core.Field{
			{Name: "metric", Kind: core.KindString},
			{Name: "description", Kind: core.KindString},
			{Name: "formula", Kind: core.KindAny},
		},
	}

	finalStrategySchema = core.Schema{
		Shape: core.ShapeObject,
		Fields: []core.Field{
			{Name: "task_summary", Kind: core.KindString},
			{Name: "model_strategy", Kind: core.KindObject},
			{Name: "dataset_plan", Kind: core.KindObject},
			{Name: "evaluation_strategy", Kind: core.KindObject},
			{Name: "deployment_notes", Kind: core.KindAny},
		},
	}
)

func (o Options) prompt(stage string) (pkg.Prompt, error) {
	prompts, err := MergePrompts(o.Prompts)
	if err != nil {
		return pkg.Prompt{}, &core.ConfigurationError{Component: "prompts", Message: "invalid overrides", Err: err}
	}
	return prompts[stage], nil
}

func (o Options) researchOptions() []model.Option {
	if !o.SearchGrounding {
		return nil
	}
	return []model.Option{llm.WithSearchGrounding()}
}

func (o Options) newStage(stage, outputKey string, requires []string, schema core.Schema, hook core.CompletionHook, modelOpts ...model.Option) (*core.Stage, error) {
	p, err := o.prompt(stage)
	if err != nil {
		return nil, err
	}
	return core.NewStage(core.StageSpec{
		Name:           stage,
		Role:           p.Role,
		Instruction:    p.Instruction,
		OutputKey:      outputKey,
		Requires:       requires,
		Schema:         schema,
		Invoker:        o.Invoker,
		Hook:           hook,
		RepairAttempts: o.RepairAttempts,
		ModelOptions:   modelOpts,
	})
}

// NewIntakeStage turns user_query (and the rendered history) into task_request
func NewIntakeStage(opts Options) (*core.Stage, error) {
	var hook core.CompletionHook
	if opts.Sessions != nil {
		hook = NewMemorySaveHook(opts.Sessions, opts.Memory)
	}
	return opts.newStage(StageIntake, KeyTaskRequest,
		[]string{core.KeyConversationHistory, core.KeyUserQuery}, taskRequestSchema, hook)
}

func NewSOTAStage(opts Options) (*core.Stage, error) {
	return opts.newStage(StageSOTA, KeySOTASearch, []string{KeyTaskRequest}, sotaSchema, nil, opts.researchOptions()...)
}

func NewDatasetStage(opts Options) (*core.Stage, error) {
	return opts.newStage(StageDataset, KeyDatasetSearch, []string{KeyTaskRequest}, datasetSchema, nil, opts.researchOptions()...)
}

func NewEvaluationStage(opts Options) (*core.Stage, error) {
	return opts.newStage(StageEvaluation, KeyEvaluationSearch, []string{KeyTaskRequest}, evaluationSchema, nil, opts.researchOptions()...)
}

// NewSynthesisStage merges the research outputs into final_strategy
func NewSynthesisStage(opts Options) (*core.Stage, error) {
	var hook core.CompletionHook
	if !opts.DisableCitationAudit {
		hook = NewCitationAuditHook()
	}
	requires := append([]string{KeyTaskRequest}, ResearchKeys...)
	requires = append(requires, core.KeyLongTermMemory)
	return opts.newStage(StageSynthesis, KeyFinalStrategy, requires, finalStrategySchema, hook)
}

// BuildPipeline wires intake -> research fan-out -> synthesis. The caller
// fills user_query, conversation_history and long_term_memory.
func BuildPipeline(ctx context.Context, opts Options) (*core.Processor, error) {
	if opts.Invoker == nil {
		return nil, &core.ConfigurationError{Component: "pipeline", Message: "invoker cannot be nil"}
	}

	intake, err := NewIntakeStage(opts)
	if err != nil {
		return nil, err
	}
	sota, err := NewSOTAStage(opts)
	if err != nil {
		return nil, err
	}
	dataset, err := NewDatasetStage(opts)
	if err != nil {
		return nil, err
	}
	evaluation, err := NewEvaluationStage(opts)
	if err != nil {
		return nil, err
	}
	synthesis, err := NewSynthesisStage(opts)
	if err != nil {
		return nil, err
	}

	research, err := core.NewFanOut(ctx, "parallel_research", opts.Policy, sota, dataset, evaluation)
	if err != nil {
		return nil, fmt.Errorf("build research fan-out: %w", err)
	}

	return core.NewProcessor(ctx, PipelineName,
		[]core.Step{intake, research, synthesis},
		core.KeyUserQuery, core.KeyConversationHistory, core.KeyLongTermMemory,
	)
}
