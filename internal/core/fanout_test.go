package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func replyWith(reply string, err error, delay time.Duration) Invoker {
	return InvokerFunc(func(ctx context.Context, _ []*schema.Message, _ ...model.Option) (string, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return reply, err
	})
}

func newBranch(t *testing.T, name, key string, inv Invoker) *Stage {
	t.Helper()
	stage, err := NewStage(StageSpec{
		Name:        name,
		Role:        "researcher",
		Instruction: "Research {task_request}",
		OutputKey:   key,
		Requires:    []string{"task_request"},
		Schema:      Schema{Shape: ShapeObject, Fields: []Field{{Name: "source", Kind: KindString}}},
		Invoker:     inv,
	})
	require.NoError(t, err)
	return stage
}

func newABC(t *testing.T, policy FanOutPolicy, bErr error) *FanOut {
	t.Helper()
	f, err := NewFanOut(context.Background(), "research", policy,
		newBranch(t, "a", "a_out", replyWith(`{"source":"a"}`, nil, 10*time.Millisecond)),
		newBranch(t, "b", "b_out", replyWith("", bErr, 30*time.Millisecond)),
		newBranch(t, "c", "c_out", replyWith(`{"source":"c"}`, nil, 0)),
	)
	require.NoError(t, err)
	return f
}

func researchState() *State {
	return NewState("s1", "r1", map[string]any{"task_request": map[string]any{"task": "crack detection"}})
}

func TestFanOutPartialKeepsSuccesses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cause := &ExhaustedRetriesError{Attempts: 4, Cause: errors.New("status code: 503")}
	f := newABC(t, PolicyPartial, cause)
	st := researchState()

	require.NoError(t, f.Run(context.Background(), st))

	a, _ := st.Get("a_out")
	c, _ := st.Get("c_out")
	b, _ := st.Get("b_out")
	assert.Equal(t, map[string]any{"source": "a"}, a)
	assert.Equal(t, map[string]any{"source": "c"}, c)
	assert.Equal(t, Unavailable{Status: "unavailable", Reason: "ExhaustedRetriesError"}, b)

	failures := st.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures["b_out"], "after 4 attempts")
}

func TestFanOutStrictMergesNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cause := &ExhaustedRetriesError{Attempts: 4, Cause: errors.New("status code: 503")}
	f := newABC(t, PolicyStrict, cause)
	st := researchState()
	st.Set("a_out", "stale value from an earlier run")

	err := f.Run(context.Background(), st)

	var branchErr *BranchError
	require.ErrorAs(t, err, &branchErr)
	assert.Equal(t, "research", branchErr.FanOut)
	assert.Len(t, branchErr.Failures, 1)
	assert.ErrorIs(t, err, cause)
	for _, k := range []string{"a_out", "b_out", "c_out"} {
		assert.False(t, st.Has(k), k)
	}
}

func TestFanOutAllBranchesFailed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f, err := NewFanOut(context.Background(), "research", PolicyPartial,
		newBranch(t, "a", "a_out", replyWith("not json", nil, 0)),
		newBranch(t, "b", "b_out", replyWith("", errors.New("status code: 401"), 0)),
	)
	require.NoError(t, err)

	err = f.Run(context.Background(), researchState())
	assert.ErrorIs(t, err, ErrAllBranchesFailed)

	var malformed *MalformedOutputError
	assert.ErrorAs(t, err, &malformed)
}

func TestFanOutExecuteWaitsForEveryBranch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newABC(t, PolicyPartial, errors.New("status code: 400"))
	res, err := f.Execute(context.Background(), researchState().Snapshot())
	require.NoError(t, err)

	assert.True(t, res.Succeeded("a_out"))
	assert.True(t, res.Succeeded("c_out"))
	assert.False(t, res.Succeeded("b_out"))
	assert.EqualError(t, res.Failures["b_out"], "status code: 400")
}

func TestFanOutRunsBranchesConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	barrier := InvokerFunc(func(context.Context, []*schema.Message, ...model.Option) (string, error) {
		started.Done()
		select {
		case <-allStarted:
			return `{"source":"x"}`, nil
		case <-time.After(5 * time.Second):
			return "", errors.New("branches did not overlap")
		}
	})

	branches := make([]*Stage, 0, n)
	for i := 0; i < n; i++ {
		branches = append(branches, newBranch(t, fmt.Sprintf("b%d", i), fmt.Sprintf("out%d", i), barrier))
	}
	f, err := NewFanOut(context.Background(), "research", PolicyStrict, branches...)
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background(), researchState()))
}

func TestFanOutRecoversBranchPanic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	panicky := InvokerFunc(func(context.Context, []*schema.Message, ...model.Option) (string, error) {
		panic("model client exploded")
	})
	f, err := NewFanOut(context.Background(), "research", PolicyPartial,
		newBranch(t, "a", "a_out", replyWith(`{"source":"a"}`, nil, 0)),
		newBranch(t, "b", "b_out", panicky),
	)
	require.NoError(t, err)

	st := researchState()
	require.NoError(t, f.Run(context.Background(), st))
	assert.True(t, st.Has("a_out"))
	assert.Contains(t, st.Failures()["b_out"], "panicked")
}

func TestNewFanOutValidation(t *testing.T) {
	ok := replyWith(`{"source":"x"}`, nil, 0)
	var cfgErr *ConfigurationError

	_, err := NewFanOut(context.Background(), "dup", PolicyPartial,
		newBranch(t, "a", "same", ok),
		newBranch(t, "b", "same", ok),
	)
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), `"same"`)

	_, err = NewFanOut(context.Background(), "single", PolicyPartial, newBranch(t, "a", "a_out", ok))
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewFanOut(context.Background(), "policy", FanOutPolicy("best-effort"),
		newBranch(t, "a", "a_out", ok),
		newBranch(t, "b", "b_out", ok),
	)
	assert.ErrorAs(t, err, &cfgErr)

	f, err := NewFanOut(context.Background(), "default", "",
		newBranch(t, "a", "a_out", ok),
		newBranch(t, "b", "b_out", ok),
	)
	require.NoError(t, err)
	assert.Equal(t, PolicyPartial, f.Policy())
	assert.Equal(t, []string{"a_out", "b_out"}, f.OutputKeys())
	assert.Equal(t, []string{"task_request"}, f.Requires())
}

func TestFanOutFiresBranchHooksAfterMerge(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu    sync.Mutex
		fired []string
	)
	hookFor := func(t *testing.T, name, key string, inv Invoker) *Stage {
		stage, err := NewStage(StageSpec{
			Name:        name,
			Role:        "researcher",
			Instruction: "Research {task_request}",
			OutputKey:   key,
			Requires:    []string{"task_request"},
			Schema:      Schema{Shape: ShapeObject, Fields: []Field{{Name: "source", Kind: KindString}}},
			Invoker:     inv,
			Hook: HookFunc(func(_ context.Context, stage string, st *State) error {
				mu.Lock()
				defer mu.Unlock()
				// every surviving sibling is already merged
				assert.True(t, st.Has("a_out"))
				assert.True(t, st.Has("b_out"))
				fired = append(fired, stage)
				return nil
			}),
		})
		require.NoError(t, err)
		return stage
	}

	f, err := NewFanOut(context.Background(), "research", PolicyPartial,
		hookFor(t, "a", "a_out", replyWith(`{"source":"a"}`, nil, 0)),
		hookFor(t, "b", "b_out", replyWith("", errors.New("status code: 400"), 0)),
		hookFor(t, "c", "c_out", replyWith(`{"source":"c"}`, nil, 5*time.Millisecond)),
	)
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background(), researchState()))
	assert.Equal(t, []string{"a", "c"}, fired)
}
