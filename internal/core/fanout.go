package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"

	"vision_workflow/internal/logger"
)

// FanOut runs a fixed set of stages concurrently over one read view of the
// state. Each branch owns a distinct output key.
type FanOut struct {
	name     string
	policy   FanOutPolicy
	branches []*Stage
	graph    compose.Runnable[map[string]any, map[string]any]
}

// NewFanOut validates key ownership and compiles the branch graph:
// START -> every branch -> END, END waiting on all branches.
func NewFanOut(ctx context.Context, name string, policy FanOutPolicy, branches ...*Stage) (*FanOut, error) {
	component := "fan-out " + name
	if policy == "" {
		policy = PolicyPartial
	}
	if policy != PolicyPartial && policy != PolicyStrict {
		return nil, &ConfigurationError{Component: component, Message: fmt.Sprintf("unknown policy %q", policy)}
	}
	if len(branches) < 2 {
		return nil, &ConfigurationError{Component: component, Message: "needs at least two branches"}
	}

	owners := make(map[string]string, len(branches))
	for _, b := range branches {
		if b == nil {
			return nil, &ConfigurationError{Component: component, Message: "branch cannot be nil"}
		}
		if prev, dup := owners[b.OutputKey()]; dup {
			return nil, &ConfigurationError{
				Component: component,
				Message:   fmt.Sprintf("output key %q is owned by both %s and %s", b.OutputKey(), prev, b.Name()),
			}
		}
		owners[b.OutputKey()] = b.Name()
	}

	g := compose.NewGraph[map[string]any, map[string]any]()
	for _, b := range branches {
		if err := g.AddLambdaNode(b.Name(), compose.InvokableLambda(branchLambda(b)), compose.WithOutputKey(b.OutputKey())); err != nil {
			return nil, fmt.Errorf("failed to add branch %s: %w", b.Name(), err)
		}
		if err := g.AddEdge(compose.START, b.Name()); err != nil {
			return nil, fmt.Errorf("failed to connect branch %s: %w", b.Name(), err)
		}
		if err := g.AddEdge(b.Name(), compose.END); err != nil {
			return nil, fmt.Errorf("failed to connect branch %s: %w", b.Name(), err)
		}
	}

	runnable, err := g.Compile(ctx,
		compose.WithGraphName(name),
		compose.WithNodeTriggerMode(compose.AllPredecessor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile fan-out %s: %w", name, err)
	}

	return &FanOut{
		name:     name,
		policy:   policy,
		branches: append([]*Stage(nil), branches...),
		graph:    runnable,
	}, nil
}

// branchLambda never hands an error to the graph, so a failing branch
// cannot cancel its siblings. The failure travels in the outcome instead.
func branchLambda(b *Stage) func(context.Context, map[string]any) (*BranchOutcome, error) {
	return func(ctx context.Context, vars map[string]any) (out *BranchOutcome, _ error) {
		start := time.Now()
		out = &BranchOutcome{Key: b.OutputKey()}
		defer func() {
			if r := recover(); r != nil {
				out.Value = nil
				out.Err = fmt.Errorf("branch %s panicked: %v", b.Name(), r)
			}
			out.Duration = time.Since(start)
		}()

		out.Value, out.Err = b.Execute(ctx, vars)
		return out, nil
	}
}

func (f *FanOut) Name() string { return f.name }

func (f *FanOut) Policy() FanOutPolicy { return f.policy }

func (f *FanOut) OutputKeys() []string {
	keys := make([]string, 0, len(f.branches))
	for _, b := range f.branches {
		keys = append(keys, b.OutputKey())
	}
	return keys
}

// Requires is the union of the branches' required keys
func (f *FanOut) Requires() []string {
	var keys []string
	seen := make(map[string]bool)
	for _, b := range f.branches {
		for _, k := range b.Requires() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Execute runs every branch and returns once all of them are terminal.
// It does not apply the policy and does not touch any state.
func (f *FanOut) Execute(ctx context.Context, vars map[string]any) (*FanOutResult, error) {
	out, err := f.graph.Invoke(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("fan-out %s: %w", f.name, err)
	}

	log := logger.FromContext(ctx, "fanout")
	result := &FanOutResult{
		Outputs:  make(map[string]any, len(f.branches)),
		Failures: make(map[string]error),
	}
	for _, b := range f.branches {
		outcome, ok := out[b.OutputKey()].(*BranchOutcome)
		if !ok {
			result.Failures[b.OutputKey()] = fmt.Errorf("branch %s produced no outcome", b.Name())
			continue
		}
		if outcome.Err != nil {
			result.Failures[outcome.Key] = outcome.Err
			log.Warn().
				Err(outcome.Err).
				Str("fanout", f.name).
				Str("branch", b.Name()).
				Dur("elapsed", outcome.Duration).
				Msg("branch failed")
			continue
		}
		result.Outputs[outcome.Key] = outcome.Value
		log.Debug().
			Str("fanout", f.name).
			Str("branch", b.Name()).
			Dur("elapsed", outcome.Duration).
			Msg("branch succeeded")
	}
	return result, nil
}

// Run executes the fan-out against st and merges the outcome per policy.
// Values left under the owned keys by an earlier run are removed first.
// Branch hooks run after the merge, for successful branches only.
func (f *FanOut) Run(ctx context.Context, st *State) error {
	for _, k := range f.OutputKeys() {
		st.Delete(k)
		st.ClearFailure(k)
	}

	result, err := f.Execute(ctx, st.Snapshot())
	if err != nil {
		return err
	}

	if len(result.Failures) > 0 && f.policy == PolicyStrict {
		return &BranchError{FanOut: f.name, Failures: result.Failures}
	}
	if len(result.Outputs) == 0 {
		return fmt.Errorf("fan-out %s: %w: %w", f.name, ErrAllBranchesFailed,
			&BranchError{FanOut: f.name, Failures: result.Failures})
	}

	// merge in declaration order
	for _, b := range f.branches {
		key := b.OutputKey()
		if value, ok := result.Outputs[key]; ok {
			st.Set(key, value)
			continue
		}
		cause := result.Failures[key]
		st.Set(key, Unavailable{Status: "unavailable", Reason: ErrorKind(cause)})
		st.RecordFailure(key, cause)
	}

	// hooks of successful branches fire once the whole result is merged,
	// so each sees its siblings' outputs
	for _, b := range f.branches {
		if result.Succeeded(b.OutputKey()) {
			b.runHook(ctx, st)
		}
	}

	if n := len(result.Failures); n > 0 {
		logger.FromContext(ctx, "fanout").Warn().
			Str("fanout", f.name).
			Int("failed", n).
			Int("succeeded", len(result.Outputs)).
			Msg("continuing with partial results")
	}
	return nil
}
