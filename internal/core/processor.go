package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"

	"vision_workflow/internal/logger"
)

// Processor runs an ordered list of steps, threading one State through them.
// The first failing step aborts the rest.
type Processor struct {
	name      string
	steps     []Step
	inputKeys []string
	finalKey  string
	chain     compose.Runnable[*State, *State]
}

// NewProcessor validates the step list and compiles it into an eino chain.
// inputKeys are the keys the caller fills before Run.
func NewProcessor(ctx context.Context, name string, steps []Step, inputKeys ...string) (*Processor, error) {
	component := "pipeline " + name
	if len(steps) == 0 {
		return nil, &ConfigurationError{Component: component, Message: "at least one step is required"}
	}

	available := make(map[string]string) // key -> producer
	for _, k := range inputKeys {
		available[k] = "input"
	}
	for _, step := range steps {
		var missing []string
		for _, k := range step.Requires() {
			if _, ok := available[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, &ConfigurationError{
				Component: component,
				Message:   fmt.Sprintf("step %s requires keys no earlier step produces: %s", step.Name(), strings.Join(missing, ", ")),
			}
		}
		for _, k := range step.OutputKeys() {
			if owner, taken := available[k]; taken {
				return nil, &ConfigurationError{
					Component: component,
					Message:   fmt.Sprintf("output key %q of step %s is already owned by %s", k, step.Name(), owner),
				}
			}
			available[k] = step.Name()
		}
	}

	last := steps[len(steps)-1]
	if len(last.OutputKeys()) != 1 {
		return nil, &ConfigurationError{
			Component: component,
			Message:   fmt.Sprintf("final step %s must own exactly one output key", last.Name()),
		}
	}

	chain := compose.NewChain[*State, *State]()
	for _, step := range steps {
		chain.AppendLambda(compose.InvokableLambda(stepLambda(step)), compose.WithNodeName(step.Name()))
	}
	runnable, err := chain.Compile(ctx, compose.WithGraphName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to compile pipeline %s: %w", name, err)
	}

	return &Processor{
		name:      name,
		steps:     append([]Step(nil), steps...),
		inputKeys: append([]string(nil), inputKeys...),
		finalKey:  last.OutputKeys()[0],
		chain:     runnable,
	}, nil
}

func stepLambda(step Step) func(context.Context, *State) (*State, error) {
	return func(ctx context.Context, st *State) (*State, error) {
		log := logger.FromContext(ctx, "processor")
		log.Debug().Str("step", step.Name()).Msg("step started")

		start := time.Now()
		err := step.Run(ctx, st)
		record := StepRecord{
			Name:       step.Name(),
			OutputKeys: step.OutputKeys(),
			Duration:   time.Since(start),
		}
		if err != nil {
			record.Err = err.Error()
			st.steps = append(st.steps, record)
			// keep the typed cause; the chain wraps whatever it is returned
			st.failed = &StageError{Stage: step.Name(), Err: err}
			log.Error().Err(err).Str("step", step.Name()).Dur("elapsed", record.Duration).Msg("step failed")
			return nil, st.failed
		}
		st.steps = append(st.steps, record)
		log.Info().Str("step", step.Name()).Dur("elapsed", record.Duration).Msg("step completed")
		return st, nil
	}
}

func (p *Processor) Name() string { return p.name }

// FinalKey is the output key of the last step
func (p *Processor) FinalKey() string { return p.finalKey }

// Steps returns the step names in execution order
func (p *Processor) Steps() []string {
	names := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		names = append(names, s.Name())
	}
	return names
}

// OutputKeys lists every key the steps own, in step order
func (p *Processor) OutputKeys() []string {
	var keys []string
	for _, s := range p.steps {
		keys = append(keys, s.OutputKeys()...)
	}
	return keys
}

// Run executes every step in order against st. Input keys must be set.
// On failure the returned error is a *StageError; st.Steps still reports
// what ran.
func (p *Processor) Run(ctx context.Context, st *State) (*RunResult, error) {
	var missing []string
	for _, k := range p.inputKeys {
		if !st.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{
			Component: "pipeline " + p.name,
			Message:   "input keys not set: " + strings.Join(missing, ", "),
		}
	}

	st.steps = nil
	st.failed = nil

	start := time.Now()
	out, err := p.chain.Invoke(ctx, st)
	if err != nil {
		if st.failed != nil {
			return nil, st.failed
		}
		return nil, fmt.Errorf("pipeline %s: %w", p.name, err)
	}

	final, ok := out.Get(p.finalKey)
	if !ok {
		return nil, fmt.Errorf("pipeline %s finished without %q", p.name, p.finalKey)
	}

	logger.FromContext(ctx, "processor").Info().
		Str("pipeline", p.name).
		Int("steps", len(st.steps)).
		Dur("elapsed", time.Since(start)).
		Msg("pipeline completed")

	return &RunResult{
		FinalKey: p.finalKey,
		Final:    final,
		Steps:    st.Steps(),
	}, nil
}
