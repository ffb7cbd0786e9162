package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vision_workflow/internal/core"
	"vision_workflow/internal/storage"
	"vision_workflow/pkg"
)

const noMemory = "<long_term_memory>\n</long_term_memory>"

// MemoryRecall renders the newest long-term memory snapshots of a session as
// the long_term_memory value read by the synthesis stage
type MemoryRecall struct {
	store      storage.MemoryStore
	maxEntries int
}

func NewMemoryRecall(store storage.MemoryStore, maxEntries int) *MemoryRecall {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryRecall{store: store, maxEntries: maxEntries}
}

// Recall loads the session's snapshots and renders the last maxEntries of
// them, oldest first. Each names the planned task and the strategy that was
// current when the snapshot was taken.
func (r *MemoryRecall) Recall(ctx context.Context, sessionID string) (string, error) {
	if r.store == nil || r.maxEntries == 0 {
		return noMemory, nil
	}
	entries, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load long-term memory: %w", err)
	}
	if len(entries) > r.maxEntries {
		entries = entries[len(entries)-r.maxEntries:]
	}

	var b strings.Builder
	b.WriteString("<long_term_memory>\n")
	for _, e := range entries {
		task := "none"
		if v, ok := e.State[KeyTaskRequest]; ok {
			if encoded, err := core.EncodeValue(v); err == nil {
				task = encoded
			}
		}
		fmt.Fprintf(&b, "MemoryEntry(saved_at=%s, task_request=%s, previous_strategy=%s)\n",
			e.SavedAt.UTC().Format(time.RFC3339), task, lastAssistant(e.History))
	}
	b.WriteString("</long_term_memory>")
	return b.String(), nil
}

func lastAssistant(turns []pkg.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == pkg.RoleAssistant {
			return turns[i].Content
		}
	}
	return "none"
}
