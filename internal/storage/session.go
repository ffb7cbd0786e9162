package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vision_workflow/internal/core"
	"vision_workflow/pkg"
)

// SessionStore is the process-wide session state, scoped by session id.
// Sessions are never deleted by the store itself.
type SessionStore interface {
	// CreateOrGet returns the session for id, creating it on first use.
	// created reports whether this call created it.
	CreateOrGet(ctx context.Context, id string) (session *pkg.Session, created bool, err error)
	Get(ctx context.Context, id string) (*pkg.Session, error)
	Append(ctx context.Context, id string, turn pkg.Turn) error
	SaveState(ctx context.Context, id string, state map[string]any) error
	Close() error
}

// MemorySessionStore keeps sessions in process memory
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*pkg.Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemorySessionStore creates an in-memory store. A zero ttl keeps
// sessions for the life of the process.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*pkg.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemorySessionStore) CreateOrGet(_ context.Context, id string) (*pkg.Session, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.live(id); ok {
		return session.Clone(), false, nil
	}

	now := m.now().UTC()
	session := &pkg.Session{
		ID:        id,
		History:   []pkg.Turn{},
		State:     make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[id] = session
	return session.Clone(), true, nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*pkg.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok || m.expired(session) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return session.Clone(), nil
}

func (m *MemorySessionStore) Append(_ context.Context, id string, turn pkg.Turn) error {
	if err := ValidateTurn(turn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.live(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now().UTC()
	}
	session.History = append(session.History, turn)
	session.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemorySessionStore) SaveState(_ context.Context, id string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.live(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	session.State = make(map[string]any, len(state))
	for k, v := range state {
		session.State[k] = v
	}
	session.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemorySessionStore) Close() error { return nil }

// live returns the stored session, dropping it if it has expired.
// Callers hold the write lock.
func (m *MemorySessionStore) live(id string) (*pkg.Session, bool) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.expired(session) {
		delete(m.sessions, id)
		return nil, false
	}
	return session, true
}

func (m *MemorySessionStore) expired(session *pkg.Session) bool {
	return m.ttl > 0 && m.now().Sub(session.UpdatedAt) > m.ttl
}

// SessionStats summarises a session
type SessionStats struct {
	SessionID       string    `json:"session_id"`
	TurnCount       int       `json:"turn_count"`
	RunCount        int       `json:"run_count"`
	StateKeys       int       `json:"state_keys"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	DurationMinutes int64     `json:"duration_minutes"`
}

// GetSessionStats returns statistics for a session
func GetSessionStats(session *pkg.Session) SessionStats {
	stats := SessionStats{
		SessionID: session.ID,
		TurnCount: len(session.History),
		StateKeys: len(session.State),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}

	runs := make(map[string]bool)
	for _, turn := range session.History {
		if turn.RunID != "" {
			runs[turn.RunID] = true
		}
	}
	stats.RunCount = len(runs)

	if !session.CreatedAt.IsZero() && !session.UpdatedAt.IsZero() {
		stats.DurationMinutes = int64(session.UpdatedAt.Sub(session.CreatedAt).Minutes())
	}
	return stats
}

// ValidateTurn checks a turn before it is appended
func ValidateTurn(turn pkg.Turn) error {
	if turn.Content == "" {
		return fmt.Errorf("turn has empty content")
	}
	switch turn.Role {
	case pkg.RoleUser, pkg.RoleAssistant, pkg.RoleSystem:
		return nil
	default:
		return fmt.Errorf("turn has invalid role: %s", turn.Role)
	}
}
