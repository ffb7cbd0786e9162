package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision_workflow/internal/core"
	"vision_workflow/pkg"
)

func sampleTrace(session, run string, at time.Time) *pkg.RunTrace {
	return &pkg.RunTrace{
		SessionID: session,
		RunID:     run,
		UserQuery: "detect cracks in pavement surfaces",
		IntermediateResults: map[string]any{
			"sota_search":       []any{map[string]any{"model_name": "U-Net"}},
			"dataset_search":    map[string]any{"dataset_summary": "CFD"},
			"evaluation_search": []any{map[string]any{"metric": "F1"}},
		},
		FinalStrategy: `{"task_summary":"crack segmentation"}`,
		StartedAt:     at.Add(-time.Second),
		CompletedAt:   at,
	}
}

func TestFileTraceStoreOneFilePerRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileTraceStore(dir)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := sampleTrace("s1", "0123456789abcdef", t0)
	second := sampleTrace("s1", "fedcba9876543210", t0.Add(time.Minute))
	require.NoError(t, store.Record(ctx, second))
	require.NoError(t, store.Record(ctx, first))

	files, err := os.ReadDir(filepath.Join(dir, "s1"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "20260301T100000.000000000Z_01234567.json", files[0].Name())

	traces, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, first.RunID, traces[0].RunID)
	assert.Equal(t, second.RunID, traces[1].RunID)
	assert.Equal(t, first.IntermediateResults, traces[0].IntermediateResults)
	assert.Equal(t, first.FinalStrategy, traces[0].FinalStrategy)
}

func TestFileTraceStoreListUnknownSession(t *testing.T) {
	traces, err := NewFileTraceStore(t.TempDir()).List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestFileTraceStoreKeepsSessionIDInsideDir(t *testing.T) {
	dir := t.TempDir()
	store := NewFileTraceStore(dir)
	trace := sampleTrace("../../etc", "run", time.Now())

	path := store.Path(trace)
	assert.Equal(t, dir, filepath.Dir(filepath.Dir(path)))
	assert.Equal(t, "_2e._2f.._2fetc", filepath.Base(filepath.Dir(path)))

	require.NoError(t, store.Record(context.Background(), trace))
	traces, err := store.List(context.Background(), "../../etc")
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}

func TestFileTraceStoreWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("a file, not a directory"), 0644))

	store := NewFileTraceStore(blocker)
	err := store.Record(context.Background(), sampleTrace("s1", "run", time.Now()))

	var persistErr *core.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "write trace", persistErr.Op)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "default__user", SafeName("default_user"))
	assert.Equal(t, "s1", SafeName("s1"))
	assert.Equal(t, "a_2fb_20c", SafeName("a/b c"))
	assert.Equal(t, "_2e.", SafeName(".."))
	assert.Equal(t, "_", SafeName(""))

	seen := make(map[string]string)
	for _, id := range []string{"team/alice", "team_alice", "team alice", "team__alice", "team_2falice", "_", "", "."} {
		name := SafeName(id)
		prev, dup := seen[name]
		assert.False(t, dup, "%q and %q share %q", prev, id, name)
		seen[name] = id
	}
}

func TestFileTraceStoreSeparatesLookalikeSessions(t *testing.T) {
	ctx := context.Background()
	store := NewFileTraceStore(t.TempDir())

	secret := sampleTrace("team/alice", "run-a", time.Now())
	secret.UserQuery = "secret of alice"
	require.NoError(t, store.Record(ctx, secret))

	for _, other := range []string{"team_alice", "team alice"} {
		traces, err := store.List(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, traces, other)
	}

	traces, err := store.List(ctx, "team/alice")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "secret of alice", traces[0].UserQuery)
}

func TestFileTraceStoreSkipsForeignTraces(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileTraceStore(dir)

	// a file written under s1's directory that belongs to another session
	foreign := sampleTrace("s2", "run-b", time.Now())
	data, err := sonic.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "s1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1", "x.json"), data, 0644))

	traces, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, traces)
}
