// Package main is a reference worker node: it connects to a master's node
// channel, advertises its tags/capabilities, and echoes every assigned job
// straight to a terminal status so the protocol can be exercised end to
// end without a real execution backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/nodeclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	masterURL   string
	displayName string
	tags        string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "node",
		Short: "node — reference worker that connects to master and reports job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.masterURL, "master-url", envOrDefault("NODE_MASTER_URL", "ws://localhost:7000"), "master node-channel URL")
	root.PersistentFlags().StringVar(&cfg.displayName, "name", envOrDefault("NODE_NAME", defaultName()), "display name advertised in node.hello")
	root.PersistentFlags().StringVar(&cfg.tags, "tags", envOrDefault("NODE_TAGS", ""), "comma-separated tags advertised in node.hello")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NODE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("node %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting reference node",
		zap.String("version", version),
		zap.String("master_url", cfg.masterURL),
		zap.String("name", cfg.displayName),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var tags []string
	if cfg.tags != "" {
		tags = strings.Split(cfg.tags, ",")
	}

	client := nodeclient.New(nodeclient.Config{
		MasterURL:   cfg.masterURL,
		DisplayName: cfg.displayName,
		Tags:        tags,
	}, echoHandler(logger), logger)

	client.Run(ctx)

	logger.Info("reference node stopped")
	return nil
}

// echoHandler reports every assigned job as immediately succeeded after a
// short simulated delay, logging one line along the way. It exists to
// exercise the job.status/job.log round trip, not to execute real work.
func echoHandler(logger *zap.Logger) nodeclient.JobHandler {
	return func(ctx context.Context, c *nodeclient.Client, assign nodeclient.JobAssignment) {
		logger.Info("job assigned", zap.String("job_id", assign.JobID), zap.String("prompt", assign.Prompt))

		if err := c.ReportStatus(assign.JobID, "RUNNING", nil, nil, nil); err != nil {
			logger.Warn("failed to report running", zap.Error(err))
			return
		}
		if err := c.SendLog(assign.JobID, "info", "starting "+assign.Prompt); err != nil {
			logger.Warn("failed to send log", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}

		summary := "completed"
		if err := c.ReportStatus(assign.JobID, "SUCCEEDED", nil, &summary, nil); err != nil {
			logger.Warn("failed to report succeeded", zap.Error(err))
		}
	}
}

func defaultName() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "node"
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

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
