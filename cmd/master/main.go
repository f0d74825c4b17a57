package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodegrid/master/internal/api"
	"github.com/nodegrid/master/internal/config"
	"github.com/nodegrid/master/internal/dispatch"
	"github.com/nodegrid/master/internal/health"
	"github.com/nodegrid/master/internal/maintenance"
	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
	"github.com/nodegrid/master/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "master",
		Short: "master — cluster job-dispatch control plane",
		Long: `master distributes jobs to connected worker nodes over a persistent
bidirectional node channel, tracks their lifecycle, and exposes a REST
API for job submission and inspection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.NodeAddr, "node-addr", cfg.NodeAddr, "node channel listen address")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "submission surface listen address")
	f.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver (sqlite or postgres)")
	f.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "database DSN or file path for sqlite")
	f.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "health monitor probe interval")
	f.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "per-probe ping write deadline")
	f.DurationVar(&cfg.DispatchInterval, "dispatch-interval", cfg.DispatchInterval, "dispatcher tick interval")
	f.StringVar(&cfg.JobWorkdirRoot, "job-workdir-root", cfg.JobWorkdirRoot, "advisory working-directory root handed to nodes")
	f.StringVar(&cfg.RelayToken, "relay-token", cfg.RelayToken, "shared credential required on the submission surface (empty disables the check)")
	f.DurationVar(&cfg.PruneInterval, "prune-interval", cfg.PruneInterval, "terminal job prune tick interval (0 disables pruning)")
	f.DurationVar(&cfg.PruneRetention, "prune-retention", cfg.PruneRetention, "how long a terminal job is kept before pruning")
	f.BoolVar(&cfg.ExpireRunningOnStart, "expire-running-on-start", cfg.ExpireRunningOnStart, "force-expire RUNNING jobs found at startup")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.EncryptionKey, "encryption-key", cfg.EncryptionKey, "AES-256 key for encrypting stored user tokens (padded/truncated to 32 bytes)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting master",
		zap.String("version", version),
		zap.String("node_addr", cfg.NodeAddr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.EncryptionKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Store ---
	st, err := store.Open(store.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	// --- 3. Metrics ---
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// --- 4. Registry, router and node channel ---
	reg := registry.New(logger)
	router := transport.NewRouter(st, reg, logger)
	nodeChan := transport.NewServer(st, reg, router, m, logger)

	// --- 5. Startup sweep ---
	janitor, err := maintenance.New(st, m, cfg.PruneInterval, cfg.PruneRetention, logger)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	if cfg.ExpireRunningOnStart {
		if err := janitor.SweepRunningOnStart(ctx); err != nil {
			return fmt.Errorf("startup sweep failed: %w", err)
		}
	}
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	defer func() {
		if err := janitor.Stop(); err != nil {
			logger.Warn("janitor shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Health monitor ---
	monitor, err := health.New(reg, st, m, cfg.ProbeInterval, cfg.ProbeTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			logger.Warn("health monitor shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Dispatcher ---
	disp, err := dispatch.New(st, reg, m, cfg.DispatchInterval, cfg.JobWorkdirRoot, transport.EncodeJobAssign, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer func() {
		if err := disp.Stop(); err != nil {
			logger.Warn("dispatcher shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP servers ---
	// The node channel and the submission surface are two independently
	// configured listeners (cfg.NodeAddr vs cfg.HTTPAddr), not one shared
	// port — matching the reference deployment's separate websocket and web
	// servers.
	apiRouter := api.NewRouter(api.RouterConfig{
		Store:    st,
		Registry: reg,
		Config:   cfg,
		PromReg:  promReg,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	nodeSrv := &http.Server{
		Addr:         cfg.NodeAddr,
		Handler:      http.HandlerFunc(nodeChan.ServeHTTP),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("submission surface listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("node channel listening", zap.String("addr", cfg.NodeAddr))
		if err := nodeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("node channel server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return nodeSrv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	logger.Info("shutting down master")
	cancel()

	if err := g.Wait(); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("master stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
