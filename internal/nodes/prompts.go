package nodes

import (
	"fmt"

	"vision_workflow/pkg"
)

// Stage names, also the keys of prompt overrides
const (
	StageIntake     = "intake"
	StageSOTA       = "sota_research"
	StageDataset    = "dataset_research"
	StageEvaluation = "evaluation_research"
	StageSynthesis  = "synthesis"
)

// State keys owned by the stages
const (
	KeyTaskRequest      = "task_request"
	KeySOTASearch       = "sota_search"
	KeyDatasetSearch    = "dataset_search"
	KeyEvaluationSearch = "evaluation_search"
	KeyFinalStrategy    = "final_strategy"
	KeyCitationAudit    = "citation_audit"
)

// ResearchKeys are the fan-out outputs, in declaration order
var ResearchKeys = []string{KeySOTASearch, KeyDatasetSearch, KeyEvaluationSearch}

// ====================== Intake ======================

const intakeRole = `You are the intake planner of a computer vision workflow assistant.
You turn a user's request into a compact task description that downstream researchers use.`

const intakeInstruction = `Previous turns of this session (may be empty):
{conversation_history}

Convert the user's request into a compact JSON plan for the downstream researchers.
Identify the core computer vision task and the keywords needed to research it.
If the request refines an earlier plan from the conversation, update that plan instead of starting over.

User request:
{user_query}

Output ONLY JSON:
{{"task": "...", "keywords": ["..."], "negative_keywords": ["..."], "additional_notes": "..."}}`

// ====================== Research ======================

const sotaRole = `You are a computer vision research analyst who tracks state-of-the-art models.`

const sotaInstruction = `Task description:
{task_request}

Use web search when it is available. Find 10-15 recent academic papers (state-of-the-art models and approaches) related to the task keywords.
Output ONLY a JSON list of objects:
[{{"model_name": "...", "description": "...", "year": "...", "url": "..."}}]
No conversational filler.`

const datasetRole = `You are a Dataset Analyst for computer vision projects.`

const datasetInstruction = `Task description:
{task_request}

Use web search when it is available. Find datasets that could be used for the given task keywords.
Output ONLY a JSON object: {{"recommended_datasets": [...], "dataset_summary": "..."}}
The "recommended_datasets" list should contain objects with "name", "url", "class names" and "class wise size".
No conversational filler.`

const evaluationRole = `You are an evaluation specialist for computer vision models.`

const evaluationInstruction = `Task description:
{task_request}

Use web search when it is available. Find the most important evaluation metrics specific to the task keywords.
Output ONLY a JSON list: [{{"metric": "...", "description": "...", "formula": "..."}}]
No conversational filler.`

// ====================== Synthesis ======================

const synthesisRole = `You are a Machine Learning Strategist.`

const synthesisInstruction = `Task description:
{task_request}

State-of-the-art search results:
{sota_search}

Dataset search results:
{dataset_search}

Evaluation metric search results:
{evaluation_search}

Long-term memory of this user's earlier plans (may be empty):
{long_term_memory}

Synthesize the search results into a concrete, task-specific workflow plan.
A search result of the form {{"status": "unavailable", ...}} means that research could not be done; say so in the plan instead of guessing.

CRITICAL RULE: every section of the plan MUST be directly supported by, and cite, the data provided in the search results above.
DO NOT HALLUCINATE MODELS, DATASETS OR METRICS.
Use the long-term memory only to keep constraints the user stated before (hardware, data, deployment); never take models, datasets or metrics from it.

Output ONLY the JSON object below:
{{
  "task_summary": "Synthesized summary of the project goal and key challenges.",
  "model_strategy": {{
    "recommended_approach": "Approach to be used based on the SOTA search",
    "recommended_model": "Specific model name",
    "reasoning": "Why this model suits the task, based on the SOTA search.",
    "sota_paper_reference": "Name of the key paper from the SOTA search.",
    "sota_paper_link": "URL from the SOTA search."
  }},
  "dataset_plan": {{
    "recommended_dataset": "Specific dataset name for the given task.",
    "dataset_link": "URL from the dataset search.",
    "data_preparation_notes": "How to prepare this dataset (resize, annotation format, ...)."
  }},
  "evaluation_strategy": {{
    "primary_metric": "The most relevant metric for this task.",
    "metric_description": "Description and formula from the evaluation search.",
    "secondary_metric": "A second key metric or loss function.",
    "metric_link": "Link to documentation or a paper explaining the metric."
  }},
  "deployment_notes": "Hardware and speed requirements that follow from the model and dataset choices."
}}`

// DefaultPrompts returns the built-in prompt of every stage
func DefaultPrompts() map[string]pkg.Prompt {
	return map[string]pkg.Prompt{
		StageIntake:     {Role: intakeRole, Instruction: intakeInstruction},
		StageSOTA:       {Role: sotaRole, Instruction: sotaInstruction},
		StageDataset:    {Role: datasetRole, Instruction: datasetInstruction},
		StageEvaluation: {Role: evaluationRole, Instruction: evaluationInstruction},
		StageSynthesis:  {Role: synthesisRole, Instruction: synthesisInstruction},
	}
}

// MergePrompts overlays overrides on the defaults. Empty fields keep the default.
func MergePrompts(overrides map[string]pkg.Prompt) (map[string]pkg.Prompt, error) {
	prompts := DefaultPrompts()
	for name, p := range overrides {
		base, ok := prompts[name]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q in prompt overrides", name)
		}
		if p.Role != "" {
			base.Role = p.Role
		}
		if p.Instruction != "" {
			base.Instruction = p.Instruction
		}
		prompts[name] = base
	}
	return prompts, nil
}
