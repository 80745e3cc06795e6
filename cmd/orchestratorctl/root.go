package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"review-orchestrator/internal/app"
	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/config"
	"review-orchestrator/internal/logger"
)

var outputJSON bool

var rootCmd = &cobra.Command{
	Use:           "orchestratorctl",
	Short:         "orchestratorctl inspects and repairs the review orchestrator.",
	Long:          `Operator commands for the review orchestrator: schema migrations, job lookup and dead-letter replay.`,
	SilenceUsage: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")
}

// env is what every subcommand connects to. cleanup releases it.
type env struct {
	cfg     config.Config
	log     *slog.Logger
	stores  app.Stores
	redis   *redis.Client
	gateway *broker.RedisGateway
}

func connect(ctx context.Context, withStore bool) (*env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	e := &env{cfg: cfg, log: logger.New(cfg.Log, nil).With("service", "orchestratorctl")}
	e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	e.gateway = app.NewGateway(e.redis, cfg, e.log)
	cleanup := func() { _ = e.redis.Close() }

	if withStore {
		e.stores, err = app.OpenStores(ctx, cfg, e.log)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		cleanup = func() {
			_ = e.stores.Close(context.Background())
			_ = e.redis.Close()
		}
	}
	return e, cleanup, nil
}
