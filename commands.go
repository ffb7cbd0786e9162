package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vision_workflow/internal/logger"
	"vision_workflow/internal/server"
	"vision_workflow/internal/services"
	"vision_workflow/internal/storage"
	"vision_workflow/pkg"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API on SERVER_ADDR (default :8000).

Endpoints:
  GET  /                      health check
  POST /analyze               {"query": "...", "session_id": "default_user"}
  GET  /sessions/:id          session statistics
  GET  /sessions/:id/traces   recorded runs of a session
  GET  /tools                 available tools
  POST /tools/:name           run a tool with a JSON argument body`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start")
			return err
		}
		defer a.Close()

		srv := server.New(server.Config{Addr: cfg.Server.Addr, Mode: cfg.Server.Mode}, a.orchestrator, a.tools)
		return srv.Run(cmd.Context())
	},
}

var (
	analyzeQuery   string
	analyzeSession string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the pipeline once and print the strategy",
	Long: `Run the pipeline once and print the final strategy as JSON.

Examples:
  vision-workflow analyze -q "detect cracks in pavement surfaces"
  vision-workflow analyze -q "make it run on a drone" -s s1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.orchestrator.Analyze(cmd.Context(), analyzeQuery, analyzeSession)
		if err != nil {
			return err
		}
		if fs, err := pkg.DecodeFinalStrategy(result.StrategyJSON); err == nil {
			logger.Component("cli").Info().
				Str("task_summary", fs.TaskSummary).
				Str("recommended_model", pkg.StringField(fs.ModelStrategy, "recommended_model")).
				Str("recommended_dataset", pkg.StringField(fs.DatasetPlan, "recommended_dataset")).
				Str("primary_metric", pkg.StringField(fs.EvaluationStrategy, "primary_metric")).
				Int("branch_failures", len(result.Failures)).
				Msg("Strategy ready")
		}
		if result.Strategy == nil {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), result.StrategyJSON)
			return err
		}
		return printJSON(cmd, result.Strategy)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeQuery, "query", "q", "", "computer vision task description")
	analyzeCmd.Flags().StringVarP(&analyzeSession, "session", "s", services.DefaultSessionID, "session id")
	_ = analyzeCmd.MarkFlagRequired("query")
}

var inspectDatasetCmd = &cobra.Command{
	Use:   "inspect-dataset PATH",
	Short: "Report image counts, class balance and corrupt files of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(false); err != nil {
			return err
		}
		report, err := services.NewDatasetInspector().Inspect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var parseMetricsCmd = &cobra.Command{
	Use:     "parse-metrics TEXT...",
	Short:   "Extract metric values from text",
	Example: `  vision-workflow parse-metrics "mAP@50: 0.72, recall 0.81"`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, services.NewMetricsParser().ExtractAll(args))
	},
}

var tracesCmd = &cobra.Command{
	Use:   "traces SESSION",
	Short: "Print the recorded runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		if err := cfg.ValidateLocal(); err != nil {
			return err
		}
		traces, closeFn, err := openTraceStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		list, err := traces.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, list)
	},
}

var memoryOlderThan time.Duration

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect or prune long-term memory",
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats SESSION",
	Short: "Show long-term memory statistics of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		stats, err := storage.NewJSONMemoryStore(cfg.Memory.Dir).Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune SESSION",
	Short: "Remove long-term memory entries older than --older-than",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		removed, err := storage.NewJSONMemoryStore(cfg.Memory.Dir).CleanupOldEntries(cmd.Context(), args[0], memoryOlderThan)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s\n", removed, plural(removed, "entry", "entries"))
		return err
	},
}

func init() {
	memoryPruneCmd.Flags().DurationVar(&memoryOlderThan, "older-than", 30*24*time.Hour, "age of the entries to remove")
	memoryCmd.AddCommand(memoryStatsCmd, memoryPruneCmd)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
