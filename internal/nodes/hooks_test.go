package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision_workflow/internal/core"
)

func researchState() map[string]any {
	return map[string]any{
		KeySOTASearch: []any{
			map[string]any{"model_name": "U-Net"},
			map[string]any{"model_name": "SegFormer"},
		},
		KeyDatasetSearch: map[string]any{
			"recommended_datasets": []any{map[string]any{"name": "Crack500"}},
			"dataset_summary":      "road cracks",
		},
		KeyEvaluationSearch: []any{map[string]any{"metric": "mIoU"}},
	}
}

func TestAuditCitations(t *testing.T) {
	final := map[string]any{
		"model_strategy":      map[string]any{"recommended_model": "segformer-b2"},
		"dataset_plan":        map[string]any{"recommended_dataset": "Crack500"},
		"evaluation_strategy": map[string]any{"primary_metric": "Dice"},
	}

	audit, err := AuditCitations(final, researchState())
	require.NoError(t, err)
	require.Len(t, audit.Checks, 3)
	assert.False(t, audit.Supported)

	assert.True(t, audit.Checks[0].Supported, "model names match case-insensitively by containment")
	assert.True(t, audit.Checks[1].Supported)
	assert.False(t, audit.Checks[2].Supported)
	assert.Equal(t, "Dice", audit.Checks[2].Value)
	assert.Equal(t, "not found in evaluation_search", audit.Checks[2].Reason)
}

func TestAuditCitationsMissingValues(t *testing.T) {
	audit, err := AuditCitations(map[string]any{"task_summary": "x"}, map[string]any{})
	require.NoError(t, err)
	for _, c := range audit.Checks {
		assert.Equal(t, "not set", c.Reason)
	}

	final := map[string]any{"model_strategy": map[string]any{"recommended_model": "U-Net"}}
	audit, err = AuditCitations(final, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "source missing", audit.Checks[0].Reason)
}

func TestCitationAuditHookStoresVerdict(t *testing.T) {
	st := core.NewState("s1", "r1", researchState())
	st.Set(KeyFinalStrategy, map[string]any{
		"model_strategy":      map[string]any{"recommended_model": "U-Net"},
		"dataset_plan":        map[string]any{"recommended_dataset": "Crack500"},
		"evaluation_strategy": map[string]any{"primary_metric": "mIoU"},
	})

	require.NoError(t, NewCitationAuditHook().OnStageComplete(context.Background(), StageSynthesis, st))
	v, ok := st.Get(KeyCitationAudit)
	require.True(t, ok)
	assert.True(t, v.(*CitationAudit).Supported)

	empty := core.NewState("s1", "r1", nil)
	assert.Error(t, NewCitationAuditHook().OnStageComplete(context.Background(), StageSynthesis, empty))
}
