package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"placementflow/auth"
	"placementflow/config"
	"placementflow/db"
	"placementflow/logging"
	"placementflow/maid"
	"placementflow/migrations"
	"placementflow/outbox"
	"placementflow/placement"
)

const serviceName = "placement-api"

// runtime holds what every subcommand needs after bootstrap.
type runtime struct {
	cfg  *config.Config
	log  *zap.Logger
	pool *pgxpool.Pool
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat, serviceName)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(log)

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return &runtime{cfg: cfg, log: log, pool: pool}, nil
}

func (rt *runtime) close() {
	rt.pool.Close()
	_ = rt.log.Sync()
}

func (rt *runtime) engine() *placement.Engine {
	engine := placement.NewEngine(rt.pool, nil, nil, nil).
		WithLogger(rt.log).
		WithMaxAttempts(rt.cfg.Engine.MaxAttempts)
	if rt.cfg.Engine.AutoConfirm {
		engine = engine.WithAutoConfirm(rt.cfg.Engine.GuaranteePeriod())
	}
	return engine
}

// publisher picks the Redis stream when configured, the log sink otherwise.
func (rt *runtime) publisher(ctx context.Context) (outbox.Publisher, func(), error) {
	if rt.cfg.Redis.Addr == "" {
		rt.log.Info("REDIS_ADDR not set, outbox messages go to the log")
		return outbox.NewLogPublisher(rt.log), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return outbox.NewRedisStreamPublisher(client, rt.cfg.Redis.Stream), func() { _ = client.Close() }, nil
}

func (rt *runtime) relay(pub outbox.Publisher) *outbox.Relay {
	return outbox.NewRelay(rt.pool, pub, outbox.RelayOptions{
		Interval:    rt.cfg.Relay.Interval,
		BatchSize:   rt.cfg.Relay.BatchSize,
		MaxAttempts: rt.cfg.Relay.MaxAttempts,
		MaxBackoff:  rt.cfg.Relay.MaxBackoff,
	}, rt.log)
}

func newServeCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.Service.JWTSecret == "" {
				return errors.New("PLACEMENT_JWT_SECRET is required to serve")
			}
			if migrate {
				if err := migrations.Up(ctx, rt.pool); err != nil {
					return err
				}
			}

			server := NewServer(
				rt.engine(),
				auth.NewService(auth.NewRepository(rt.pool), rt.cfg.Service.JWTSecret),
				maid.NewService(maid.NewRepository(rt.pool)),
				rt.log,
			)
			httpServer := &http.Server{
				Addr:              rt.cfg.Service.Address,
				Handler:           server.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			var relay *outbox.Relay
			if rt.cfg.Relay.Embedded {
				pub, closePub, err := rt.publisher(ctx)
				if err != nil {
					return err
				}
				defer closePub()
				relay = rt.relay(pub)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.log.Info("http server listening", zap.String("address", httpServer.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			if relay != nil {
				g.Go(func() error { return relay.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			return migrations.Up(cmd.Context(), rt.pool)
		},
	}
}

func newRelayCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			pub, closePub, err := rt.publisher(ctx)
			if err != nil {
				return err
			}
			defer closePub()

			relay := rt.relay(pub)
			if once {
				n, err := relay.RunOnce(ctx)
				rt.log.Info("relay batch finished", zap.Int("published", n))
				return err
			}
			return relay.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

type trialLine struct {
	WorkflowID string    `json:"workflowId"`
	MaidID     string    `json:"maidId"`
	SponsorID  string    `json:"sponsorId"`
	TrialEnd   time.Time `json:"trialEndDate"`
	Remaining  string    `json:"remaining"`
	Overdue    bool      `json:"overdue"`
}

func newTrialsCommand() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "trials",
		Short: "Print running trials as JSON lines, soonest ending first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			at := time.Now().UTC()
			if asOf != "" {
				parsed, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("parse --as-of: %w", err)
				}
				at = parsed
			}

			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			trials, err := rt.engine().FindExpiringTrials(ctx, at)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, t := range trials {
				line := trialLine{
					WorkflowID: t.Workflow.ID,
					MaidID:     t.Workflow.MaidID,
					SponsorID:  t.Workflow.SponsorID,
					Remaining:  t.Remaining.Round(time.Minute).String(),
					Overdue:    t.Overdue,
				}
				if t.Workflow.TrialEndDate != nil {
					line.TrialEnd = *t.Workflow.TrialEndDate
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC3339 snapshot time (defaults to now)")
	return cmd
}

const adminPasswordEnv = "PLACEMENT_ADMIN_PASSWORD"

func newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Operator account management",
	}

	var email, fullName string
	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account; the password is read from " + adminPasswordEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv(adminPasswordEnv)
			if password == "" {
				return fmt.Errorf("%s must be set", adminPasswordEnv)
			}
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			svc := auth.NewService(auth.NewRepository(rt.pool), rt.cfg.Service.JWTSecret)
			account, err := svc.CreateAdmin(ctx, auth.LoginRequest{Email: email, Password: password}, fullName)
			if err != nil {
				return err
			}
			rt.log.Info("admin account created", zap.String("account_id", account.ID), zap.String("email", account.Email))
			return nil
		},
	}
	createAdmin.Flags().StringVar(&email, "email", "", "admin email")
	createAdmin.Flags().StringVar(&fullName, "name", "", "display name (defaults to the email)")
	_ = createAdmin.MarkFlagRequired("email")

	cmd.AddCommand(createAdmin)
	return cmd
}
