package nodes

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"

	"vision_workflow/internal/logger"
	"vision_workflow/internal/services"
)

// InspectDatasetInput is the argument of the inspect_dataset tool
type InspectDatasetInput struct {
	Path string `json:"path" jsonschema:"description=dataset directory with one sub-folder per class, relative to the dataset root"`
}

// ParseMetricsInput is the argument of the parse_metrics tool
type ParseMetricsInput struct {
	Texts []string `json:"texts" jsonschema:"description=texts to extract metric values from, later texts win"`
}

// ToolsConfig controls which tools are registered
type ToolsConfig struct {
	// DatasetRoot confines inspect_dataset. The tool is not registered
	// without it.
	DatasetRoot string
}

// InspectDatasetTool creates the dataset inspection tool using Eino's InferTool.
// Paths are resolved under root.
func InspectDatasetTool(root string) (tool.InvokableTool, error) {
	if root == "" {
		return nil, errors.New("inspect_dataset needs a dataset root")
	}
	inspector := services.NewDatasetInspector(services.WithRoot(root))
	return utils.InferTool("inspect_dataset",
		"Inspect an image classification dataset under the dataset root: image counts, class balance, corrupt and unlabeled files",
		func(ctx context.Context, in *InspectDatasetInput) (*services.DatasetReport, error) {
			if in.Path == "" {
				return nil, errors.New("path is required")
			}
			logger.FromContext(ctx, "tools").Debug().Str("path", in.Path).Msg("Inspecting dataset")
			return inspector.Inspect(ctx, in.Path)
		})
}

// ParseMetricsTool creates the metric extraction tool using Eino's InferTool
func ParseMetricsTool() (tool.InvokableTool, error) {
	parser := services.NewMetricsParser()
	return utils.InferTool("parse_metrics",
		"Extract numeric evaluation metrics (accuracy, F1, IoU, mAP, ...) from free text",
		func(ctx context.Context, in *ParseMetricsInput) (map[string]float64, error) {
			return parser.ExtractAll(in.Texts), nil
		})
}

// GetTools returns the tools enabled by cfg
func GetTools(cfg ToolsConfig) ([]tool.InvokableTool, error) {
	var tools []tool.InvokableTool
	if cfg.DatasetRoot != "" {
		inspect, err := InspectDatasetTool(cfg.DatasetRoot)
		if err != nil {
			return nil, err
		}
		tools = append(tools, inspect)
	}
	metrics, err := ParseMetricsTool()
	if err != nil {
		return nil, err
	}
	return append(tools, metrics), nil
}
