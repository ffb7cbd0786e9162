package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/components/tool"
)

// ErrUnknownTool is returned for a tool name that is not registered
var ErrUnknownTool = errors.New("unknown tool")

// ToolRunner dispatches JSON arguments to the registered tools by name
type ToolRunner struct {
	tools map[string]tool.InvokableTool
}

func NewToolRunner(ctx context.Context, cfg ToolsConfig) (*ToolRunner, error) {
	tools, err := GetTools(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating tools: %w", err)
	}

	r := &ToolRunner{tools: make(map[string]tool.InvokableTool, len(tools))}
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("error reading tool info: %w", err)
		}
		r.tools[info.Name] = t
	}
	return r, nil
}

// Names lists the registered tools
func (r *ToolRunner) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes tool name with argumentsJSON and returns its JSON result
func (r *ToolRunner) Run(ctx context.Context, name, argumentsJSON string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if argumentsJSON == "" {
		argumentsJSON = "{}"
	}
	return t.InvokableRun(ctx, argumentsJSON)
}
