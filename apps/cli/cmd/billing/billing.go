package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	billingservice "github.com/damien-schneider/reflect-os/domains/billing/be/service"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
	"github.com/damien-schneider/reflect-os/platform/go/persistence"
	"github.com/damien-schneider/reflect-os/platform/go/ratelimit"
)

// Reconciler re-applies an organization's billing state.
type Reconciler interface {
	ReconcileOrganization(ctx context.Context, orgID string) (billingservice.ReconcileResult, error)
}

// Options configure the reconciler built by the command.
type Options struct {
	DatabaseURL string
	APIURL      string
	AccessToken string
	RedisURL    string
	Cooldown    time.Duration
	LogLevel    string
}

// Factory builds a Reconciler and a cleanup func.
type Factory func(ctx context.Context, opts Options) (Reconciler, func(), error)

// Command groups billing helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing utilities",
	}
	cmd.AddCommand(reconcileCommand(newReconciler))
	return cmd
}

func reconcileCommand(factory Factory) *cobra.Command {
	var (
		opts  Options
		orgID string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-apply the provider's subscription state to an organization",
		Long:  "Re-apply the provider's subscription state to an organization. Shares the API's per-organization cooldown when --redis-url is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			reconciler, cleanup, err := factory(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := reconciler.ReconcileOrganization(ctx, orgID)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", orgID, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.Flags().StringVar(&opts.APIURL, "billing-api-url", envOr("BILLING_API_URL", "https://api.polar.sh"), "billing provider API base URL")
	cmd.Flags().StringVar(&opts.AccessToken, "billing-access-token", os.Getenv("BILLING_ACCESS_TOKEN"), "billing provider access token")
	cmd.Flags().StringVar(&opts.RedisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL for the shared cooldown")
	cmd.Flags().DurationVar(&opts.Cooldown, "cooldown", 10*time.Second, "per-organization cooldown")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")

	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newReconciler(ctx context.Context, opts Options) (Reconciler, func(), error) {
	if opts.DatabaseURL == "" {
		return nil, nil, errors.New("--database-url or DATABASE_URL is required")
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{Component: "cli", Level: opts.LogLevel, Output: os.Stderr})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: opts.DatabaseURL, ApplicationName: "reflect-cli", MaxConns: 2})
	if err != nil {
		return nil, nil, fmt.Errorf("init pool: %w", err)
	}
	cleanup := []func(){func() { persistence.ClosePool(pool) }}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = logger.Sync()
	}

	var cooldown ratelimit.Cooldown = ratelimit.NewMemory(opts.Cooldown)
	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		cleanup = append(cleanup, func() { _ = client.Close() })
		cooldown = ratelimit.NewRedis(client, opts.Cooldown)
	}

	svc, err := billingservice.New(billingservice.Config{
		Store:    persistence.NewRowStore(pool, sqlassets.Schema()),
		Provider: provider.NewClient(provider.Config{BaseURL: opts.APIURL, AccessToken: opts.AccessToken}),
		Cooldown: cooldown,
		Logger:   logger.With(zap.String("command", "billing reconcile")),
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return svc, closeAll, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
