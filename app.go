package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"vision_workflow/internal/config"
	"vision_workflow/internal/llm"
	"vision_workflow/internal/logger"
	"vision_workflow/internal/nodes"
	"vision_workflow/internal/services"
	"vision_workflow/internal/storage"
)

// app holds the wired components of one process
type app struct {
	orchestrator *services.Orchestrator
	tools        *nodes.ToolRunner
	closers      []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{}

	chatModel, err := llm.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	invoker, err := llm.NewRemoteInvoker(chatModel, cfg.Retry)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if strings.EqualFold(cfg.Session.Backend, "redis") || strings.EqualFold(cfg.Trace.Backend, "redis") {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, redisClient.Close)
	}

	var sessions storage.SessionStore
	if strings.EqualFold(cfg.Session.Backend, "redis") {
		sessions = storage.NewRedisSessionStore(redisClient, cfg.Session.TTL)
	} else {
		sessions = storage.NewMemorySessionStore(cfg.Session.TTL)
	}

	var traces storage.TraceStore
	if strings.EqualFold(cfg.Trace.Backend, "redis") {
		traces = storage.NewRedisTraceStore(redisClient)
	} else {
		traces = storage.NewFileTraceStore(cfg.Trace.Dir)
	}

	memory := storage.NewJSONMemoryStore(cfg.Memory.Dir)
	grounded := cfg.LLM.SearchGrounding && strings.EqualFold(cfg.LLM.Provider, llm.ProviderGemini)
	pipeline, err := nodes.BuildPipeline(ctx, nodes.Options{
		Invoker:         invoker,
		Policy:          cfg.FanOutPolicy(),
		RepairAttempts:  cfg.Pipeline.RepairAttempts,
		Prompts:         cfg.Prompts,
		Sessions:        sessions,
		Memory:          memory,
		SearchGrounding: grounded,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator, err = services.NewOrchestrator(services.OrchestratorConfig{
		Pipeline:         pipeline,
		Sessions:         sessions,
		Traces:           traces,
		History:          nodes.NewHistoryStrategy(cfg.Pipeline.HistoryTurns),
		Recall:           nodes.NewMemoryRecall(memory, cfg.Pipeline.MemoryEntries),
		IntermediateKeys: nodes.ResearchKeys,
		TaskKey:          nodes.KeyTaskRequest,
		AuditKey:         nodes.KeyCitationAudit,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tools, err = nodes.NewToolRunner(ctx, nodes.ToolsConfig{DatasetRoot: cfg.Dataset.Root})
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Dataset.Root == "" {
		logger.Info().Msg("DATASET_ROOT not set, inspect_dataset is not served over HTTP")
	}

	logger.Info().
		Str("provider", cfg.LLM.Provider).
		Str("model", cfg.LLM.Model).
		Str("fanout_policy", string(cfg.FanOutPolicy())).
		Bool("search_grounding", grounded).
		Str("session_backend", cfg.Session.Backend).
		Str("trace_backend", cfg.Trace.Backend).
		Msg("Pipeline ready")
	return a, nil
}

// Close releases the shared clients; stores built on them are not closed twice
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openTraceStore opens only the trace backend, for read-only commands
func openTraceStore(ctx context.Context, cfg *config.Config) (storage.TraceStore, func() error, error) {
	if !strings.EqualFold(cfg.Trace.Backend, "redis") {
		store := storage.NewFileTraceStore(cfg.Trace.Dir)
		return store, store.Close, nil
	}
	client, err := storage.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace store: %w", err)
	}
	return storage.NewRedisTraceStore(client), client.Close, nil
}
