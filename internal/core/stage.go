package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"vision_workflow/internal/logger"
)

// StageSpec is the immutable definition of a single pipeline stage
type StageSpec struct {
	Name        string
	Role        string // system message, plain text
	Instruction string // FString template over state keys, e.g. "Task: {task_request}"
	OutputKey   string
	Requires    []string
	Schema      Schema
	Invoker     Invoker
	Hook        CompletionHook
	// ModelOptions go with every invocation of this stage, e.g. search grounding
	ModelOptions []model.Option

	// RepairAttempts is how many times a malformed response is retried with a
	// stricter corrective message before MalformedOutputError is returned
	RepairAttempts int
}

// Stage renders its instruction from state, calls the invoker and stores the
// validated JSON response under its output key
type Stage struct {
	spec     StageSpec
	template prompt.ChatTemplate
}

// NewStage validates spec and builds the chat template
func NewStage(spec StageSpec) (*Stage, error) {
	if spec.Name == "" {
		return nil, &ConfigurationError{Component: "stage", Message: "name cannot be empty"}
	}
	if spec.OutputKey == "" {
		return nil, &ConfigurationError{Component: "stage " + spec.Name, Message: "output key cannot be empty"}
	}
	if spec.Invoker == nil {
		return nil, &ConfigurationError{Component: "stage " + spec.Name, Message: "invoker cannot be nil"}
	}
	if spec.RepairAttempts < 0 {
		spec.RepairAttempts = 0
	}

	placeholders, err := templateFields(spec.Instruction)
	if err != nil {
		return nil, &ConfigurationError{Component: "stage " + spec.Name, Message: "invalid instruction template", Err: err}
	}
	declared := make(map[string]bool, len(spec.Requires))
	for _, k := range spec.Requires {
		declared[k] = true
	}
	var undeclared []string
	for _, p := range placeholders {
		if !declared[p] {
			undeclared = append(undeclared, p)
		}
	}
	if len(undeclared) > 0 {
		return nil, &ConfigurationError{
			Component: "stage " + spec.Name,
			Message:   fmt.Sprintf("instruction references undeclared keys: %s", strings.Join(undeclared, ", ")),
		}
	}

	spec.Requires = append([]string(nil), spec.Requires...)
	spec.ModelOptions = append([]model.Option(nil), spec.ModelOptions...)
	spec.Schema.Fields = append([]Field(nil), spec.Schema.Fields...)

	// Role is literal text; escape braces so the formatter leaves it alone
	role := strings.NewReplacer("{", "{{", "}", "}}").Replace(spec.Role)

	return &Stage{
		spec: spec,
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage(role),
			schema.UserMessage(spec.Instruction),
		),
	}, nil
}

func (s *Stage) Name() string { return s.spec.Name }

func (s *Stage) OutputKey() string { return s.spec.OutputKey }

func (s *Stage) OutputKeys() []string { return []string{s.spec.OutputKey} }

func (s *Stage) Requires() []string { return append([]string(nil), s.spec.Requires...) }

// Execute renders, invokes and validates without touching any state.
// vars is a read view of the session state.
func (s *Stage) Execute(ctx context.Context, vars map[string]any) (any, error) {
	log := logger.FromContext(ctx, "stage")

	messages, err := s.render(ctx, vars)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		raw, err := s.spec.Invoker.Invoke(ctx, messages, s.spec.ModelOptions...)
		if err != nil {
			return nil, err
		}

		value, err := s.parse(raw)
		if err == nil {
			log.Debug().
				Str("stage", s.spec.Name).
				Dur("elapsed", time.Since(start)).
				Int("repairs", attempt).
				Msg("stage produced valid output")
			return value, nil
		}
		if attempt >= s.spec.RepairAttempts {
			return nil, err
		}

		var malformed *MalformedOutputError
		errors.As(err, &malformed)
		log.Warn().
			Str("stage", s.spec.Name).
			Str("reason", malformed.Reason).
			Int("attempt", attempt+1).
			Msg("malformed stage output, asking for a corrected reply")

		messages = append(messages,
			schema.AssistantMessage(raw, nil),
			schema.UserMessage(s.repairMessage(malformed.Reason)),
		)
	}
}

// Run executes the stage against st, stores the output and fires the hook
func (s *Stage) Run(ctx context.Context, st *State) error {
	value, err := s.Execute(ctx, st.Snapshot())
	if err != nil {
		return err
	}
	st.Set(s.spec.OutputKey, value)
	s.runHook(ctx, st)
	return nil
}

func (s *Stage) render(ctx context.Context, vars map[string]any) ([]*schema.Message, error) {
	var missing []string
	for _, k := range s.spec.Requires {
		if _, ok := vars[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ConfigurationError{
			Component: "stage " + s.spec.Name,
			Message:   fmt.Sprintf("required state keys are not populated: %s", strings.Join(missing, ", ")),
		}
	}

	values := make(map[string]any, len(s.spec.Requires))
	for _, k := range s.spec.Requires {
		encoded, err := EncodeValue(vars[k])
		if err != nil {
			return nil, &ConfigurationError{Component: "stage " + s.spec.Name, Message: "cannot encode " + k, Err: err}
		}
		values[k] = encoded
	}

	messages, err := s.template.Format(ctx, values)
	if err != nil {
		return nil, &ConfigurationError{Component: "stage " + s.spec.Name, Message: "failed to render instruction", Err: err}
	}
	return messages, nil
}

func (s *Stage) parse(raw string) (any, error) {
	value, err := ParseJSON(raw)
	if err != nil {
		return nil, &MalformedOutputError{Stage: s.spec.Name, Reason: err.Error(), Raw: raw}
	}
	if err := s.spec.Schema.Validate(value); err != nil {
		return nil, &MalformedOutputError{Stage: s.spec.Name, Reason: err.Error(), Raw: raw}
	}
	return value, nil
}

func (s *Stage) repairMessage(reason string) string {
	var names []string
	for _, f := range s.spec.Schema.Fields {
		names = append(names, f.Name)
	}
	shape := "a single JSON " + s.spec.Schema.Shape.String()
	if s.spec.Schema.Shape == ShapeList {
		shape += " of objects"
	}
	msg := fmt.Sprintf("Your previous reply could not be used: %s. Reply again with %s", reason, shape)
	if len(names) > 0 {
		msg += " with the fields " + strings.Join(names, ", ")
	}
	return msg + ". Output only the JSON, without explanations or code fences."
}

func (s *Stage) runHook(ctx context.Context, st *State) {
	if s.spec.Hook == nil {
		return
	}
	log := logger.FromContext(ctx, "stage")

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("stage", s.spec.Name).
				Interface("panic", r).
				Msg("completion hook panicked")
		}
	}()

	if err := s.spec.Hook.OnStageComplete(ctx, s.spec.Name, st); err != nil {
		log.Warn().
			Err(err).
			Str("stage", s.spec.Name).
			Msg("completion hook failed")
	}
}

// templateFields lists the {placeholders} of an FString template.
// Doubled braces are literals.
func templateFields(tmpl string) ([]string, error) {
	var fields []string
	seen := make(map[string]bool)
	for i := 0; i < len(tmpl); i++ {
		switch tmpl[i] {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(tmpl[i+1 : i+1+end])
			if name == "" {
				return nil, fmt.Errorf("empty placeholder at offset %d", i)
			}
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		}
	}
	return fields, nil
}
