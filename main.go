package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"vision_workflow/internal/config"
	"vision_workflow/internal/logger"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "vision-workflow",
	Short: "Turn computer vision task descriptions into project strategies",
	Long: `vision-workflow runs a language-model pipeline over a computer vision task
description: an intake stage plans the task, three research stages look for
state-of-the-art models, datasets and evaluation metrics in parallel, and a
synthesis stage merges them into a project strategy.

Configuration comes from the environment (and .env), see .env.example.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(inspectDatasetCmd)
	rootCmd.AddCommand(parseMetricsCmd)
	rootCmd.AddCommand(tracesCmd)
	rootCmd.AddCommand(memoryCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and starts logging. Commands that print
// results keep stdout for them.
func loadConfig(forServer bool) (*config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	if !forServer && cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}
	if err := logger.InitLogger(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.EnvFile != "" {
		logger.Debug().Str("env_file", cfg.EnvFile).Msg("Loaded environment file")
	}
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
