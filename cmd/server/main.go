package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/api"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/engine"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/eventstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/pipeline"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapcache"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/source/kafkasource"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/source/natssource"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store/memstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store/pgstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/tracing"
)

const serviceName = "eventsourcekit"

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/pipeline.yaml", "Path to pipeline YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.Tracing)
	if err != nil {
		slog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// ── Store ────────────────────────────────────────────────────────────────
	backend, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer backend.Close()
	es := eventstore.New(backend, eventstore.WithLogger(logger))

	// ── Snapshot cache ───────────────────────────────────────────────────────
	var cache snapcache.Cache = snapcache.Noop{}
	if cfg.Cache.RedisAddr != "" {
		rc, err := snapcache.Dial(ctx, cfg.Cache.RedisAddr, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
		if err != nil {
			slog.Warn("snapshot cache unavailable, serving reads from the store", "addr", cfg.Cache.RedisAddr, "err", err)
		} else {
			cache = rc
			slog.Info("snapshot cache enabled", "addr", cfg.Cache.RedisAddr)
		}
	}
	defer cache.Close()

	// ── Pipeline ─────────────────────────────────────────────────────────────
	snapshotters := snapshot.DefaultRegistry()
	build := func(c *config.Config) (*pipeline.Pipeline, error) {
		return pipeline.Build(c, es, snapshotters, logger,
			pipeline.WithCommitHook(snapcache.Publisher(cache, logger)))
	}
	p, err := build(cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		os.Exit(1)
	}
	slog.Info("pipeline built", "parsers", p.Parsers(), "snapshotters", p.Snapshotters())

	// ── Engine ───────────────────────────────────────────────────────────────
	eng := engine.New(ctx, p, cfg.Engine, logger)

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	// Store, cache and sources are fixed at startup; reloads only swap the pipeline.
	loader.OnChange(func(newCfg *config.Config) {
		next, err := build(newCfg)
		if err != nil {
			slog.Warn("hot-reload skipped: pipeline build failed", "err", err)
			return
		}
		eng.SwapPipeline(next)
		slog.Info("pipeline hot-reloaded", "parsers", next.Parsers(), "snapshotters", next.Snapshotters())
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Sources ──────────────────────────────────────────────────────────────
	handle := func(ctx context.Context, m event.Message) error {
		_, err := eng.ProcessSync(ctx, m)
		return err
	}
	var sources sync.WaitGroup
	if kc := cfg.Sources.Kafka; kc != nil {
		src := kafkasource.New(*kc, handle, logger)
		sources.Add(1)
		go func() {
			defer sources.Done()
			slog.Info("kafka source starting", "topics", kc.Topics, "group", kc.GroupID)
			if err := src.Run(ctx); err != nil {
				slog.Error("kafka source stopped", "err", err)
			}
		}()
	}
	if nc := cfg.Sources.NATS; nc != nil {
		src, err := natssource.New(ctx, *nc, handle, logger)
		if err != nil {
			slog.Error("failed to start nats source", "err", err)
			os.Exit(1)
		}
		sources.Add(1)
		go func() {
			defer sources.Done()
			slog.Info("nats source starting", "stream", nc.Stream, "durable", nc.Durable)
			if err := src.Run(ctx); err != nil {
				slog.Error("nats source stopped", "err", err)
			}
		}()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Engine:    eng,
		Loader:    loader,
		Events:    backend,
		Snapshots: snapcache.NewReadThrough(cache, backend, logger),
		Ready:     map[string]api.Pinger{"store": backend},
		Log:       logger,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	sources.Wait()
	eng.Shutdown()
	slog.Info("goodbye")
}

func openStore(ctx context.Context, conf config.StoreConf, log *slog.Logger) (store.Backend, error) {
	switch conf.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.Open(ctx, conf.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return memstore.New(memstore.WithLogger(log)), nil
	}
}

func newLogger(conf config.LogConf) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(conf.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if conf.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
