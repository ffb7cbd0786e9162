package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"vision_workflow/internal/core"
	"vision_workflow/internal/logger"
	"vision_workflow/internal/storage"
)

// MemorySaveHook copies the session state into the session store and appends
// a snapshot of the session to long-term memory after the intake stage.
// Either store may be nil.
type MemorySaveHook struct {
	sessions storage.SessionStore
	memory   storage.MemoryStore
}

func NewMemorySaveHook(sessions storage.SessionStore, memory storage.MemoryStore) *MemorySaveHook {
	return &MemorySaveHook{sessions: sessions, memory: memory}
}

func (h *MemorySaveHook) OnStageComplete(ctx context.Context, stage string, st *core.State) error {
	if h.sessions == nil {
		return nil
	}
	if err := h.sessions.SaveState(ctx, st.SessionID, st.Persistable()); err != nil {
		return fmt.Errorf("save state after %s: %w", stage, err)
	}
	if h.memory == nil {
		return nil
	}

	session, err := h.sessions.Get(ctx, st.SessionID)
	if err != nil {
		return fmt.Errorf("load session after %s: %w", stage, err)
	}
	if err := h.memory.Save(ctx, session); err != nil {
		return fmt.Errorf("save memory after %s: %w", stage, err)
	}

	logger.FromContext(ctx, "memory").Debug().
		Str("stage", stage).
		Int("turns", len(session.History)).
		Msg("session saved to long-term memory")
	return nil
}

// ====================== Citation audit ======================

// CitationCheck is the verdict for one recommendation of the final strategy
type CitationCheck struct {
	Field     string `json:"field"`
	Value     string `json:"value"`
	Source    string `json:"source"`
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`
}

// CitationAudit records whether the strategy's picks appear in the research
type CitationAudit struct {
	Checks    []CitationCheck `json:"checks"`
	Supported bool            `json:"supported"`
}

type citationRule struct {
	field      string // gjson path into final_strategy
	source     string // research state key
	candidates string // gjson path into the research value
}

var citationRules = []citationRule{
	{field: "model_strategy.recommended_model", source: KeySOTASearch, candidates: "#.model_name"},
	{field: "dataset_plan.recommended_dataset", source: KeyDatasetSearch, candidates: "recommended_datasets.#.name"},
	{field: "evaluation_strategy.primary_metric", source: KeyEvaluationSearch, candidates: "#.metric"},
}

// CitationAuditHook checks the synthesis output against the research results
// and stores the verdict under citation_audit. Misses are logged, never fatal.
type CitationAuditHook struct{}

func NewCitationAuditHook() *CitationAuditHook {
	return &CitationAuditHook{}
}

func (h *CitationAuditHook) OnStageComplete(ctx context.Context, stage string, st *core.State) error {
	final, ok := st.Get(KeyFinalStrategy)
	if !ok {
		return errors.New("final_strategy is not populated")
	}
	audit, err := AuditCitations(final, st.Snapshot())
	if err != nil {
		return err
	}
	st.Set(KeyCitationAudit, audit)

	if !audit.Supported {
		log := logger.FromContext(ctx, "citation_audit")
		for _, c := range audit.Checks {
			if c.Supported {
				continue
			}
			log.Warn().
				Str("stage", stage).
				Str("field", c.Field).
				Str("value", c.Value).
				Str("reason", c.Reason).
				Msg("recommendation not found in research results")
		}
	}
	return nil
}

// AuditCitations compares final against the research values in state
func AuditCitations(final any, state map[string]any) (*CitationAudit, error) {
	finalJSON, err := sonic.Marshal(final)
	if err != nil {
		return nil, fmt.Errorf("encode final strategy: %w", err)
	}

	audit := &CitationAudit{Supported: true}
	for _, rule := range citationRules {
		check := CitationCheck{
			Field:  rule.field,
			Value:  gjson.GetBytes(finalJSON, rule.field).String(),
			Source: rule.source,
		}

		switch research, ok := state[rule.source]; {
		case check.Value == "":
			check.Reason = "not set"
		case !ok:
			check.Reason = "source missing"
		default:
			sourceJSON, err := sonic.Marshal(research)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", rule.source, err)
			}
			if gjson.GetBytes(sourceJSON, "status").String() == "unavailable" {
				check.Reason = "source unavailable"
				break
			}
			check.Supported = mentions(gjson.GetBytes(sourceJSON, rule.candidates), check.Value)
			if !check.Supported {
				check.Reason = "not found in " + rule.source
			}
		}

		if !check.Supported {
			audit.Supported = false
		}
		audit.Checks = append(audit.Checks, check)
	}
	return audit, nil
}

// mentions reports whether value and any candidate contain one another, ignoring case
func mentions(candidates gjson.Result, value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	found := false
	candidates.ForEach(func(_, c gjson.Result) bool {
		name := strings.ToLower(strings.TrimSpace(c.String()))
		if name != "" && (strings.Contains(v, name) || strings.Contains(name, v)) {
			found = true
			return false
		}
		return true
	})
	return found
}
