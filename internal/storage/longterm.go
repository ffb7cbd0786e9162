package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"vision_workflow/internal/core"
	"vision_workflow/internal/logger"
	"vision_workflow/pkg"
)

// MemoryStore is long-term memory: durable snapshots of sessions
type MemoryStore interface {
	Save(ctx context.Context, session *pkg.Session) error
	Load(ctx context.Context, sessionID string) ([]pkg.MemoryEntry, error)
}

// JSONMemoryStore appends snapshots to <dir>/<session>.json
type JSONMemoryStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewJSONMemoryStore(baseDir string) *JSONMemoryStore {
	return &JSONMemoryStore{baseDir: baseDir}
}

func (j *JSONMemoryStore) path(sessionID string) string {
	return filepath.Join(j.baseDir, SafeName(sessionID)+".json")
}

// Load returns every snapshot of a session, oldest first
func (j *JSONMemoryStore) Load(_ context.Context, sessionID string) ([]pkg.MemoryEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load(sessionID)
}

func (j *JSONMemoryStore) load(sessionID string) ([]pkg.MemoryEntry, error) {
	data, err := os.ReadFile(j.path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []pkg.MemoryEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read longterm memory file: %w", err)
	}

	var entries []pkg.MemoryEntry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse longterm memory file: %w", err)
	}
	return entries, nil
}

// Save appends a snapshot of session. Failures are PersistenceError.
func (j *JSONMemoryStore) Save(ctx context.Context, session *pkg.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	path := j.path(session.ID)

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(session.ID)
	if err != nil {
		aside := path + ".corrupt"
		if mvErr := os.Rename(path, aside); mvErr != nil {
			return &core.PersistenceError{Op: "move aside unreadable memory", Key: path, Err: errors.Join(err, mvErr)}
		}
		logger.FromContext(ctx, "longterm").Warn().
			Err(err).
			Str("path", path).
			Str("moved_to", aside).
			Msg("failed to load existing longterm memory, starting fresh")
		entries = []pkg.MemoryEntry{}
	}

	snapshot := session.Clone()
	entries = append(entries, pkg.MemoryEntry{
		SessionID: snapshot.ID,
		SavedAt:   time.Now().UTC(),
		History:   snapshot.History,
		State:     snapshot.State,
	})

	data, err := sonic.ConfigStd.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &core.PersistenceError{Op: "encode memory", Key: path, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &core.PersistenceError{Op: "write memory", Key: path, Err: err}
	}

	logger.FromContext(ctx, "longterm").Debug().
		Str("path", path).
		Int("entries", len(entries)).
		Msg("saved to longterm memory")
	return nil
}

// MemoryStats provides statistics about a session's long-term memory
type MemoryStats struct {
	SessionID     string    `json:"session_id"`
	TotalEntries  int       `json:"total_entries"`
	OldestEntry   time.Time `json:"oldest_entry"`
	NewestEntry   time.Time `json:"newest_entry"`
	FileSizeBytes int64     `json:"file_size_bytes"`
}

// Stats returns statistics about a session's long-term memory
func (j *JSONMemoryStore) Stats(ctx context.Context, sessionID string) (*MemoryStats, error) {
	entries, err := j.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stats := &MemoryStats{SessionID: sessionID, TotalEntries: len(entries)}
	if len(entries) == 0 {
		return stats, nil
	}

	stats.OldestEntry = entries[0].SavedAt
	stats.NewestEntry = entries[0].SavedAt
	for _, e := range entries {
		if e.SavedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.SavedAt
		}
		if e.SavedAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.SavedAt
		}
	}

	if info, err := os.Stat(j.path(sessionID)); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	return stats, nil
}

// CleanupOldEntries drops snapshots older than maxAge and returns how many went
func (j *JSONMemoryStore) CleanupOldEntries(ctx context.Context, sessionID string, maxAge time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(sessionID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	kept := make([]pkg.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.SavedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	path := j.path(sessionID)
	data, err := sonic.ConfigStd.MarshalIndent(kept, "", "  ")
	if err != nil {
		return 0, &core.PersistenceError{Op: "encode memory", Key: path, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return 0, &core.PersistenceError{Op: "write memory", Key: path, Err: err}
	}

	logger.FromContext(ctx, "longterm").Info().
		Str("session_id", sessionID).
		Int("removed", removed).
		Msg("cleaned up longterm memory")
	return removed, nil
}
