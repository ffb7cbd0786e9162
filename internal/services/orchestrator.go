package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vision_workflow/internal/core"
	"vision_workflow/internal/logger"
	"vision_workflow/internal/storage"
	"vision_workflow/pkg"
)

// DefaultSessionID is used when a caller does not name a session
const DefaultSessionID = "default_user"

// HistoryRenderer turns stored turns into the conversation_history value
type HistoryRenderer interface {
	BuildContext(turns []pkg.Turn) string
}

// MemoryRecaller renders a session's long-term memory into the
// long_term_memory value
type MemoryRecaller interface {
	Recall(ctx context.Context, sessionID string) (string, error)
}

// OrchestratorConfig wires the orchestrator. Traces, History and Recall are optional.
type OrchestratorConfig struct {
	Pipeline *core.Processor
	Sessions storage.SessionStore
	Traces   storage.TraceStore
	History  HistoryRenderer
	Recall   MemoryRecaller

	// IntermediateKeys are copied into each trace's intermediate_results
	IntermediateKeys []string
	// TaskKey and AuditKey are copied into their own trace fields when set
	TaskKey  string
	AuditKey string
}

// Orchestrator runs the pipeline for one query against one session
type Orchestrator struct {
	cfg OrchestratorConfig
	now func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Pipeline == nil {
		return nil, &core.ConfigurationError{Component: "orchestrator", Message: "pipeline cannot be nil"}
	}
	if cfg.Sessions == nil {
		return nil, &core.ConfigurationError{Component: "orchestrator", Message: "session store cannot be nil"}
	}
	return &Orchestrator{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Analyze runs the whole pipeline and returns the encoded final strategy.
// Persistence after the pipeline completes is best effort.
func (o *Orchestrator) Analyze(ctx context.Context, query, sessionID string) (*pkg.AnalysisResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.ErrEmptyQuery
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	runID := uuid.NewString()
	ctx = logger.WithRun(ctx, sessionID, runID)
	log := logger.FromContext(ctx, "orchestrator")
	started := o.now()

	session, created, err := o.cfg.Sessions.CreateOrGet(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	log.Info().
		Bool("new_session", created).
		Int("prior_turns", len(session.History)).
		Msg("Processing query")

	history := ""
	if o.cfg.History != nil {
		history = o.cfg.History.BuildContext(session.History)
	}
	// recalled before this run's intake adds its own snapshot
	memory := ""
	if o.cfg.Recall != nil {
		if memory, err = o.cfg.Recall.Recall(ctx, sessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to recall long-term memory")
			memory = ""
		}
	}

	if err := o.cfg.Sessions.Append(ctx, sessionID, pkg.Turn{
		Role:    pkg.RoleUser,
		Content: query,
		RunID:   runID,
	}); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}

	st := core.NewState(sessionID, runID, o.carriedState(session.State))
	st.Set(core.KeyUserQuery, query)
	st.Set(core.KeyConversationHistory, history)
	st.Set(core.KeyLongTermMemory, memory)

	result, err := o.cfg.Pipeline.Run(ctx, st)
	if err != nil {
		log.Error().
			Err(err).
			Str("kind", core.ErrorKind(err)).
			Msg("Pipeline failed")
		return nil, err
	}

	strategyJSON, err := core.EncodeValue(result.Final)
	if err != nil {
		return nil, fmt.Errorf("encode final strategy: %w", err)
	}

	if err := o.cfg.Sessions.SaveState(ctx, sessionID, st.Persistable()); err != nil {
		log.Warn().Err(err).Msg("Failed to save session state")
	}
	if err := o.cfg.Sessions.Append(ctx, sessionID, pkg.Turn{
		Role:    pkg.RoleAssistant,
		Content: strategyJSON,
		RunID:   runID,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to record assistant turn")
	}

	failures := st.Failures()
	o.record(ctx, o.buildTrace(st, query, strategyJSON, failures, started))

	out := &pkg.AnalysisResult{
		SessionID:    sessionID,
		RunID:        runID,
		StrategyJSON: strategyJSON,
	}
	if m, ok := result.Final.(map[string]any); ok {
		out.Strategy = m
	}
	if len(failures) > 0 {
		out.Failures = failures
	}

	log.Info().
		Int("steps", len(result.Steps)).
		Int("branch_failures", len(failures)).
		Dur("elapsed", o.now().Sub(started)).
		Msg("Query processed")
	return out, nil
}

// carriedState drops what the pipeline produces, so a resumed run never
// sees or persists the previous run's outputs
func (o *Orchestrator) carriedState(prior map[string]any) map[string]any {
	out := make(map[string]any, len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for _, k := range o.cfg.Pipeline.OutputKeys() {
		delete(out, k)
	}
	if o.cfg.AuditKey != "" {
		delete(out, o.cfg.AuditKey)
	}
	return out
}

func (o *Orchestrator) buildTrace(st *core.State, query, strategyJSON string, failures map[string]string, started time.Time) *pkg.RunTrace {
	trace := &pkg.RunTrace{
		SessionID:           st.SessionID,
		RunID:               st.RunID,
		UserQuery:           query,
		IntermediateResults: make(map[string]any, len(o.cfg.IntermediateKeys)),
		FinalStrategy:       strategyJSON,
		StartedAt:           started,
		CompletedAt:         o.now(),
	}
	for _, k := range o.cfg.IntermediateKeys {
		if v, ok := st.Get(k); ok {
			trace.IntermediateResults[k] = v
		}
	}
	if o.cfg.TaskKey != "" {
		trace.TaskRequest, _ = st.Get(o.cfg.TaskKey)
	}
	if o.cfg.AuditKey != "" {
		trace.CitationAudit, _ = st.Get(o.cfg.AuditKey)
	}
	if len(failures) > 0 {
		trace.BranchFailures = failures
	}
	return trace
}

// record writes the trace once; a failure only degrades the run
func (o *Orchestrator) record(ctx context.Context, trace *pkg.RunTrace) {
	if o.cfg.Traces == nil {
		return
	}
	log := logger.FromContext(ctx, "orchestrator")
	if err := o.cfg.Traces.Record(ctx, trace); err != nil {
		log.Warn().Err(err).Msg("Failed to save workflow trace")
		return
	}
	log.Debug().Msg("Workflow trace saved")
}

// Traces returns the recorded runs of a session, oldest first
func (o *Orchestrator) Traces(ctx context.Context, sessionID string) ([]*pkg.RunTrace, error) {
	if o.cfg.Traces == nil {
		return []*pkg.RunTrace{}, nil
	}
	return o.cfg.Traces.List(ctx, sessionID)
}

// SessionStats reports on a stored session
func (o *Orchestrator) SessionStats(ctx context.Context, sessionID string) (storage.SessionStats, error) {
	session, err := o.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return storage.SessionStats{}, err
	}
	return storage.GetSessionStats(session), nil
}
