package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/adminapi"
	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/config"
	"github.com/rustyeddy/riskgate/engine"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/metrics"
	"github.com/rustyeddy/riskgate/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the risk engine and its administrative API",
	Long: `Start the engine: ledger snapshots are refreshed in the background,
account state and strategy budgets are kept in the configured store, every
decision is appended to the audit log, and the HTTP API and /metrics are
served on http.addr. The execution side reports fills and closes to
/v1/accounts/<account>/fills and /closes.

The process refuses to start when a hard limit is missing or malformed.

Example:
  riskgate serve -c riskgate.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	hl, err := cfg.HardLimits()
	if err != nil {
		logger.Error().Err(err).Msg("refusing to start")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cached := ledger.NewCached(ledger.FileProvider{Dir: cfg.Ledger.Dir}, cfg.CacheConfig(), logger)
	cached.Watch(cfg.Ledger.Accounts...)

	store, budgets, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	w, err := openAudit(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error().Err(err).Msg("close audit log")
		}
	}()

	reg := metrics.New()
	eng := engine.New(cfg.EngineConfig(), hl, cached, store, w,
		engine.WithLogger(logger),
		engine.WithMetrics(reg),
		engine.WithBudgetStore(budgets),
	)

	go func() {
		if err := cached.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("ledger refresh stopped")
		}
	}()
	go syncAccounts(ctx, eng, cached, cfg.CacheConfig().RefreshInterval, logger)

	logger.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("store", cfg.Store.Type).
		Str("audit", cfg.Audit.Type).
		Strs("accounts", cached.Accounts()).
		Msg("riskgate serving")

	srv := adminapi.New(eng, reg.Handler(), logger)
	if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info().Msg("riskgate stopped")
	return nil
}

// syncAccounts keeps stored state and strategy budgets current for every
// account the ledger cache watches: the configured ones, and any other
// whose snapshot was fetched successfully.
func syncAccounts(ctx context.Context, eng *engine.Engine, cached *ledger.Cached, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		every = ledger.DefaultCacheConfig().RefreshInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, a := range cached.Accounts() {
				if _, err := eng.Sync(ctx, a); err != nil {
					log.Warn().Err(err).Str("account", a).Msg("account sync failed")
				}
			}
		}
	}
}

// openStore opens the account state and strategy budget stores. Both share
// one redis client.
func openStore(ctx context.Context, c *config.Config) (state.Store, budget.Store, func(), error) {
	if c.Store.Type != "redis" {
		return state.NewMemoryStore(), budget.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.Store.RedisAddr, DB: c.Store.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", c.Store.RedisAddr, err)
	}
	return state.NewRedisStore(client, c.Store.KeyPrefix),
		budget.NewRedisStore(client, c.Store.BudgetKeyPrefix),
		func() { client.Close() }, nil
}

// openAudit builds chain -> (sqlite | memory) [+ kafka]. The chain sits in
// front so every sink receives the hashed record, and it resumes from the
// last stored hash.
func openAudit(ctx context.Context, c *config.Config, log zerolog.Logger) (audit.Writer, error) {
	var primary audit.Writer = audit.NewMemoryWriter()
	last := ""
	if c.Audit.Type == "sqlite" {
		sw, err := audit.OpenSQLite(c.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		if last, err = sw.LastHash(ctx); err != nil {
			sw.Close()
			return nil, fmt.Errorf("audit chain head: %w", err)
		}
		primary = sw
	}
	if len(c.Audit.Kafka.Brokers) > 0 {
		primary = audit.NewTee(log, primary, audit.NewKafkaPublisher(c.Audit.Kafka.Brokers, c.Audit.Kafka.Topic))
	}
	return audit.NewChain(primary, last), nil
}
