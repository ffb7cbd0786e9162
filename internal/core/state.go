package core

// State is the session_state threaded through a pipeline run.
//
// It carries no lock. Only the coordinating goroutine writes to it; fan-out
// branches read a Snapshot and their results are merged after every branch
// is terminal. Any new concurrent stage must keep that single-writer shape.
type State struct {
	SessionID string
	RunID     string

	values   map[string]any
	order    []string
	failures map[string]string
	steps    []StepRecord
	failed   *StageError
}

// NewState creates a state seeded with prior values (for example a resumed session)
func NewState(sessionID, runID string, prior map[string]any) *State {
	st := &State{
		SessionID: sessionID,
		RunID:     runID,
		values:    make(map[string]any, len(prior)),
		failures:  make(map[string]string),
	}
	for k, v := range prior {
		st.Set(k, v)
	}
	return st
}

// Get returns the value stored under key
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is populated
func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores value under key, keeping first-insertion order
func (s *State) Set(key string, value any) {
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// Delete removes key
func (s *State) Delete(key string) {
	if _, exists := s.values[key]; !exists {
		return
	}
	delete(s.values, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Keys returns the populated keys in insertion order
func (s *State) Keys() []string {
	return append([]string(nil), s.order...)
}

// Snapshot returns a copy of the values, used as a read view
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// RecordFailure notes that the branch owning key ended in failure
func (s *State) RecordFailure(key string, err error) {
	s.failures[key] = err.Error()
}

// ClearFailure forgets a recorded failure for key
func (s *State) ClearFailure(key string) {
	delete(s.failures, key)
}

// Failures returns the recorded branch failures of this run
func (s *State) Failures() map[string]string {
	out := make(map[string]string, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

// Steps returns the records of the steps executed by the last processor run
func (s *State) Steps() []StepRecord {
	return append([]StepRecord(nil), s.steps...)
}

// Persistable returns the values worth keeping in the session. The rendered
// conversation history and recalled memory are rebuilt on every run.
func (s *State) Persistable() map[string]any {
	out := s.Snapshot()
	delete(out, KeyConversationHistory)
	delete(out, KeyLongTermMemory)
	return out
}
