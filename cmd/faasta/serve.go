package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fourlexboehm/faasta/internal/api"
	"github.com/fourlexboehm/faasta/internal/auth"
	"github.com/fourlexboehm/faasta/internal/config"
	"github.com/fourlexboehm/faasta/internal/dispatch"
	"github.com/fourlexboehm/faasta/internal/executor"
	"github.com/fourlexboehm/faasta/internal/logging"
	"github.com/fourlexboehm/faasta/internal/metrics"
	"github.com/fourlexboehm/faasta/internal/observability"
	"github.com/fourlexboehm/faasta/internal/pool"
	"github.com/fourlexboehm/faasta/internal/sandbox"
	"github.com/fourlexboehm/faasta/internal/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the function host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.SetLevelFromString(cfg.Log.Level)
	logging.InitStructured(cfg.Log.Format)
	if cfg.Log.RequestPath != "" {
		if err := logging.Requests().SetOutput(cfg.Log.RequestPath); err != nil {
			return fmt.Errorf("open request log: %w", err)
		}
		defer logging.Requests().Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	}); err != nil {
		logging.Op().Warn("telemetry disabled", "error", err)
	}
	defer observability.Shutdown(context.Background())

	// Module store.
	backing, err := newBackingStore(ctx, cfg)
	if err != nil {
		return err
	}
	cached := store.NewCachedModuleStore(backing, cfg.Store.CacheTTL.Std())
	defer cached.Close()

	// Execution engine and instance cache.
	runtime, err := sandbox.NewWasmtimeRuntime("")
	if err != nil {
		return fmt.Errorf("init wasm runtime: %w", err)
	}
	defer runtime.Close()

	instances := pool.New(runtime, pool.Config{
		IdleTTL:         cfg.Pool.IdleTTL.Std(),
		CleanupInterval: cfg.Pool.CleanupInterval.Std(),
		MaxContexts:     cfg.Pool.MaxContexts,
		MaxMemoryMB:     int64(cfg.Pool.MaxMemoryMB),
	})
	defer instances.Shutdown()

	exec := executor.New(cached, instances)

	// Cross-node invalidation, when Redis is configured. Without it,
	// publishes still invalidate this node directly.
	invalidate := func(name string) {
		cached.Invalidate(name)
		instances.Invalidate(name)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		inv := store.NewInvalidator(client, cached, instances)
		go inv.Start(ctx)
		defer inv.Close()

		local := invalidate
		invalidate = func(name string) {
			local(name)
			if err := inv.Publish(context.Background(), name); err != nil {
				logging.Op().Warn("invalidation broadcast failed", "function", name, "error", err)
			}
		}
	}

	// Data plane: function traffic plus the deploy API on one listener.
	dispatcher := dispatch.NewHandler(exec, cfg.Server.BaseDomain, 0)
	control := api.NewServer(
		cached,
		auth.NewTokenAuthenticator(cfg.Deploy.Tokens),
		exec.Stats(),
		api.Config{
			MaxModuleBytes:       cfg.Deploy.MaxModuleBytes,
			MaxFunctionsPerOwner: cfg.Deploy.MaxFunctionsPerOwner,
		},
		invalidate,
	)

	// The deploy API binds to the base domain only, so a function named
	// anything may still receive /v1/... paths on its own subdomain.
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.BaseDomain+"/v1/", control.Routes())
	mux.Handle("/", dispatcher)

	mainSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observability.HTTPMiddleware(mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}

	// Ops plane: metrics and health on a separate listener so they are
	// never exposed on the function domain.
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", metrics.Global().Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	opsSrv := &http.Server{
		Addr:              cfg.Server.OpsAddr,
		Handler:           opsMux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Op().Info("function host listening",
			"addr", cfg.Server.ListenAddr, "base_domain", cfg.Server.BaseDomain)
		if err := mainSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logging.Op().Info("ops listener up", "addr", cfg.Server.OpsAddr)
		if err := opsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Either a signal arrived or a listener failed; drain both.
		<-gctx.Done()
		logging.Op().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := mainSrv.Shutdown(shutdownCtx); err != nil {
			logging.Op().Warn("main listener shutdown", "error", err)
		}
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Op().Warn("ops listener shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func newBackingStore(ctx context.Context, cfg *config.Config) (store.ModuleStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store backend postgres requires a DSN")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewPostgresStore(connectCtx, cfg.Store.DSN)
	case "", "memory":
		logging.Op().Warn("using in-memory module store, functions are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
