package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/completion"
	"github.com/cognihq/graphcore/internal/config"
	"github.com/cognihq/graphcore/internal/executor"
	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/httpapi"
	"github.com/cognihq/graphcore/internal/langgraph"
	"github.com/cognihq/graphcore/internal/ledger"
	"github.com/cognihq/graphcore/internal/litellm"
	"github.com/cognihq/graphcore/internal/reconcile"
	"github.com/cognihq/graphcore/internal/sandbox"
	"github.com/cognihq/graphcore/internal/tool"
	"github.com/cognihq/graphcore/internal/trace"
	"github.com/cognihq/graphcore/internal/usage"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Postgres ledger ───────────────────────────────────────────────────────
	db, err := ledger.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("postgres open failed", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	// ── Redis (optional): fallback queue for below-floor charges ─────────────
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	}

	// The floor only takes effect when a fallback queue exists; otherwise
	// below-floor charges would be dropped instead of deferred.
	floor := cfg.Billing.Floor()
	if floor != nil && rdb == nil {
		log.Warn("BALANCE_FLOOR set without REDIS_ADDR, floor disabled")
		floor = nil
	}
	store := ledger.New(db, ledger.Config{CreditsPerUSD: cfg.Billing.CreditsPerUSD}, log)
	recordStore := ledger.New(db, ledger.Config{
		CreditsPerUSD: cfg.Billing.CreditsPerUSD,
		BalanceFloor:  floor,
	}, log)

	// ── Completion unit (LiteLLM transport behind the credit gate) ────────────
	llm := litellm.NewClient(cfg.LiteLLM.BaseURL, cfg.LiteLLM.MasterKey, log)
	unit := completion.New(llm, store, log)

	// ── Graph providers ───────────────────────────────────────────────────────
	tools := tool.NewExecutor(tool.Builtins(), log)
	providers := []graph.Provider{langgraph.New(unit, tools, log)}

	if cfg.SandboxEnabled() {
		docker, err := sandbox.NewDockerClient()
		if err != nil {
			log.Fatal("docker client init failed", zap.Error(err))
		}
		proxies := sandbox.NewManager(docker, cfg.Sandbox, cfg.LiteLLM, log)
		providers = append(providers, sandbox.NewRunner(docker, proxies, cfg.Sandbox, log))

		// Clear leftovers from a previous crash before accepting runs.
		if n, err := sandbox.NewReaper(docker, log).Sweep(ctx); err != nil {
			log.Warn("sandbox sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("swept leftover sandboxes", zap.Int("count", n))
		}
	}

	// ── Executor chain: aggregate → usage recording → tracing ────────────────
	agg := executor.NewAggregator(log, providers...)

	var queue usage.FallbackQueue
	if rdb != nil {
		queue = reconcile.NewQueue(rdb)
	}
	recorder := usage.NewRecorder(recordStore, queue, log)
	billed := usage.NewExecutor(agg, recorder)

	var sink trace.Sink = trace.NopSink{}
	if cfg.Trace.OTLPEndpoint != "" {
		tp, err := trace.NewTracerProvider(ctx, cfg.Trace)
		if err != nil {
			log.Fatal("tracer provider init failed", zap.Error(err))
		}
		defer func() {
			flushCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = tp.Shutdown(flushCtx)
		}()
		sink = trace.NewOtelSink(tp)
	}
	exec := trace.NewDecorator(billed, sink, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	if rdb != nil {
		go reconcile.RunConsumer(ctx, rdb, store, log)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery(), httpapi.RequestLogger(log))
	httpapi.NewHandler(exec, store, cfg.LiteLLM.DefaultModel, log).Register(r)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sink.Flush(shutdownCtx); err != nil {
		log.Error("trace flush failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
