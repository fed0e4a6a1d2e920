// Command server starts the job orchestrator: HTTP API, dispatcher loop,
// worker pool and the desktop agent websocket endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/ai/real"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/ai/stub"
	httpserver "github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/httpserver"
	adapterobs "github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/rag"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/ws"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/agentlink"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/dispatcher"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/event"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/queue"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall/tools"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/workerpool"
)

// repos bundles the persistence ports so memory and postgres wire the same way.
type repos struct {
	jobs    domain.JobRepository
	results domain.ResultRepository
	workers domain.WorkerRepository
	tasks   domain.ToolTaskRepository
	logs    domain.ExecutionLogRepository
	dbCheck func(ctx context.Context) error
	cleanup *postgres.CleanupService
}

func buildRepos(ctx context.Context, cfg config.Config) (repos, error) {
	if cfg.DBURL == "" || cfg.DBURL == "memory" {
		store := memory.NewStore()
		return repos{
			jobs:    store,
			results: store.Results(),
			workers: store.Workers(),
			tasks:   store.ToolTasks(),
			logs:    store.ExecutionLogs(),
		}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return repos{}, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		return repos{}, fmt.Errorf("db migrate: %w", err)
	}
	rp := repos{
		jobs:    postgres.NewJobRepo(pool),
		results: postgres.NewResultRepo(pool),
		workers: postgres.NewWorkerRepo(pool),
		tasks:   postgres.NewToolTaskRepo(pool),
		logs:    postgres.NewExecutionLogRepo(pool),
		dbCheck: func(ctx context.Context) error { return pool.Ping(ctx) },
	}
	if cfg.DataRetentionDays > 0 {
		rp.cleanup = postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	}
	return rp, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := adapterobs.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	adapterobs.RegisterHTTPMetrics()

	shutdownTracer, err := adapterobs.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	rp, err := buildRepos(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Event bus, fanned out over Redis when configured.
	bus := event.NewBus()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		bus = bus.WithRedis(redis.NewClient(opt), cfg.EventChannel)
		slog.Info("event bus publishing to redis", slog.String("channel", cfg.EventChannel))
	}

	if rp.cleanup != nil {
		go rp.cleanup.Run(ctx, cfg.CleanupInterval)
		slog.Info("cleanup loop started", slog.Int("retention_days", cfg.DataRetentionDays))
	}

	res := resolver.New(rp.jobs)
	q := queue.New(rp.jobs, rp.results, res, bus, queue.Options{
		MaxRetries:   cfg.RetryLimit,
		Timeout:      time.Duration(cfg.JobExpireSeconds) * time.Second,
		RetryDelay:   cfg.RetryDelay,
		LowBandEvery: cfg.LowBandEvery,
	})

	// Generator: real client when an API key is configured, scripted stub
	// otherwise so the orchestrator still runs end to end locally.
	var gen domain.Generator
	var promptLog tools.PromptLog
	if cfg.GeneratorAPIKey != "" {
		c := real.New(cfg)
		gen, promptLog = c, c
	} else {
		c := stub.New(nil)
		gen, promptLog = c, c
		slog.Warn("no generator api key, using stub generator")
	}

	// Desktop agent router behind the websocket endpoint.
	agents := agentlink.NewRouter(cfg.AgentCmdTimeout)

	deps := tools.Deps{
		WorkspaceDir:    cfg.WorkspaceDir,
		TerminalTimeout: cfg.TerminalTimeout,
		CommandTimeout:  cfg.AgentCmdTimeout,
		Jobs:            rp.jobs,
		Queue:           q,
		Agent:           agents,
		PromptLog:       promptLog,
	}
	if cfg.VectorURL != "" {
		retriever := rag.New(cfg)
		if err := retriever.EnsureCollection(ctx); err != nil {
			slog.Error("vector collection bootstrap failed", slog.Any("error", err))
		}
		deps.Retriever = retriever
	}
	registry := toolcall.NewRegistry()
	tools.RegisterAll(registry, deps)
	slog.Info("tool registry ready", slog.Int("tools", len(registry.Names())))

	toolDisp := toolcall.NewDispatcher(registry, rp.tasks, rp.logs)

	// Tool jobs submitted directly to the queue execute through the
	// registry without a generator round-trip.
	q.RegisterProcessor(domain.JobTypeTool, func(ctx domain.Context, job domain.Job) (domain.JobResult, error) {
		tool, ok := registry.Lookup(job.Payload.ToolName)
		if !ok {
			return domain.JobResult{}, fmt.Errorf("unknown tool %q: %w", job.Payload.ToolName, domain.ErrInvalidArgument)
		}
		if err := tool.Validate(job.Payload.ToolArgs); err != nil {
			return domain.JobResult{}, err
		}
		out, err := tool.Execute(ctx, domain.ToolCall{
			Type:       job.Payload.ToolName,
			Operation:  job.Payload.ToolName,
			Parameters: job.Payload.ToolArgs,
		})
		if err != nil {
			return domain.JobResult{}, err
		}
		return domain.JobResult{JobID: job.ID, Success: true, Output: fmt.Sprint(out)}, nil
	})

	pool := workerpool.New(workerpool.Config{
		MinWorkers:             cfg.WorkersMin,
		MaxWorkers:             cfg.WorkersMax,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		UnhealthyThreshold:     cfg.UnhealthyThreshold,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFails,
	}, gen, rp.jobs, rp.workers, q, bus, toolDisp)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if err := pool.Start(runCtx); err != nil {
		slog.Error("worker pool start failed", slog.Any("error", err))
		os.Exit(1)
	}

	disp := dispatcher.New(q, rp.jobs, rp.workers, res, pool, cfg.DispatchInterval)
	go disp.Run(runCtx)

	srv := &httpserver.Server{
		Cfg:       cfg,
		Queue:     q,
		Workflows: disp,
		Jobs:      rp.jobs,
		Results:   rp.results,
		Workers:   rp.workers,
		DBCheck:   rp.dbCheck,
		AgentWS:   ws.Handler(agents),
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	disp.Shutdown()
	pool.Shutdown(shutdownCtx)
	cancelRun()
}
