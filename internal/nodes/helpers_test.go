package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"vision_workflow/internal/core"
	"vision_workflow/internal/llm"
)

const (
	cannedTask = `{"task": "pavement crack detection", "keywords": ["crack", "pavement", "segmentation"], "negative_keywords": [], "additional_notes": ""}`

	cannedSOTA = "```json\n" + `[
  {"model_name": "U-Net", "description": "encoder-decoder segmentation network", "year": 2015, "url": "https://arxiv.org/abs/1505.04597"},
  {"model_name": "DeepCrack", "description": "hierarchical features for crack segmentation", "year": "2019", "url": "https://doi.org/10.1016/j.neucom.2019.01.036"}
]` + "\n```"

	cannedDataset = `Here you go: {"recommended_datasets": [{"name": "CrackForest (CFD)", "url": "https://github.com/cuilimeng/CrackForest-dataset"}], "dataset_summary": "118 annotated urban road images"}`

	cannedEvaluation = `[{"metric": "F1-score", "description": "harmonic mean of precision and recall", "formula": "2PR/(P+R)"}]`

	cannedStrategy = `{
  "task_summary": "Segment cracks in pavement images",
  "model_strategy": {"recommended_approach": "semantic segmentation", "recommended_model": "DeepCrack", "reasoning": "crack specific", "sota_paper_reference": "DeepCrack", "sota_paper_link": "https://doi.org/10.1016/j.neucom.2019.01.036"},
  "dataset_plan": {"recommended_dataset": "CrackForest", "dataset_link": "https://github.com/cuilimeng/CrackForest-dataset", "data_preparation_notes": "resize to 480x320"},
  "evaluation_strategy": {"primary_metric": "F1-score", "metric_description": "2PR/(P+R)", "secondary_metric": "IoU", "metric_link": ""},
  "deployment_notes": "runs on an edge GPU"
}`
)

// cannedLLM answers each stage by its role text and records what it was sent
type cannedLLM struct {
	mu       sync.Mutex
	replies  map[string]string
	failures map[string]error
	prompts  map[string][]string
	grounded map[string]bool
}

func newCannedLLM() *cannedLLM {
	return &cannedLLM{
		replies: map[string]string{
			StageIntake:     cannedTask,
			StageSOTA:       cannedSOTA,
			StageDataset:    cannedDataset,
			StageEvaluation: cannedEvaluation,
			StageSynthesis:  cannedStrategy,
		},
		failures: map[string]error{},
		prompts:  map[string][]string{},
		grounded: map[string]bool{},
	}
}

var stageByRole = map[string]string{
	intakeRole:     StageIntake,
	sotaRole:       StageSOTA,
	datasetRole:    StageDataset,
	evaluationRole: StageEvaluation,
	synthesisRole:  StageSynthesis,
}

func (c *cannedLLM) Invoke(_ context.Context, messages []*schema.Message, opts ...model.Option) (string, error) {
	if len(messages) < 2 {
		return "", fmt.Errorf("expected system and user messages, got %d", len(messages))
	}
	stage, ok := stageByRole[messages[0].Content]
	if !ok {
		return "", fmt.Errorf("unexpected system message %q", messages[0].Content)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts[stage] = append(c.prompts[stage], messages[1].Content)
	c.grounded[stage] = llm.SearchGroundingRequested(opts...)
	if err := c.failures[stage]; err != nil {
		return "", err
	}
	return c.replies[stage], nil
}

func (c *cannedLLM) fail(stage string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[stage] = err
}

func (c *cannedLLM) groundedStages() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.grounded))
	for k, v := range c.grounded {
		out[k] = v
	}
	return out
}

func (c *cannedLLM) promptsFor(stage string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts[stage]...)
}

var _ core.Invoker = (*cannedLLM)(nil)

func newRunState(sessionID string) *core.State {
	st := core.NewState(sessionID, "run-1", nil)
	st.Set(core.KeyUserQuery, "detect cracks in pavement surfaces")
	st.Set(core.KeyConversationHistory, NewHistoryStrategy(6).BuildContext(nil))
	st.Set(core.KeyLongTermMemory, noMemory)
	return st
}
