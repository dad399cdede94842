// Command hub runs the ADMP hub server.
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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/apikey"
	"github.com/admp-protocol/admp-hub/internal/auth"
	"github.com/admp-protocol/admp-hub/internal/config"
	"github.com/admp-protocol/admp-hub/internal/group"
	"github.com/admp-protocol/admp-hub/internal/handler"
	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/roundtable"
	"github.com/admp-protocol/admp-hub/internal/scheduler"
	"github.com/admp-protocol/admp-hub/internal/storage"
	"github.com/admp-protocol/admp-hub/internal/webhook"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hub",
		Short: "ADMP hub server",
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hub version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			if err := run(logger); err != nil {
				logger.Error("hub exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	// ── Services ─────────────────────────────────────────────────────────────
	pusher := webhook.NewPusher(cfg.WebhookWorkers, logger)
	pusher.SetDeliveryRecorder(handler.RecordWebhookDelivery)

	keys := apikey.NewService(store, cfg.APIKeyPepper, logger)
	issuerURL := fmt.Sprintf("http://localhost:%d", cfg.Port)
	tokens := identity.NewTokenIssuer(cfg.EffectiveTokenSecret(), issuerURL, cfg.TokenTTL)

	agents := agent.NewService(store, agent.Options{
		HeartbeatIntervalMS: cfg.HeartbeatIntervalMS,
		HeartbeatTimeoutMS:  cfg.HeartbeatTimeoutMS,
		RegistrationPolicy:  cfg.RegistrationPolicy,
	}, logger)

	inboxSvc := inbox.NewService(store, pusher, inbox.Options{
		DefaultTTLSec:     cfg.MessageTTLSec,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxAttempts:       cfg.MaxAttempts,
	}, logger)

	groups := group.NewService(store, inboxSvc, logger)
	tables := roundtable.NewService(store, groups, inboxSvc, logger)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	mw := auth.NewMiddleware(keys, tokens, cfg.MasterAPIKey, cfg.APIKeyRequired, logger)
	router := handler.NewRouter(handler.Handlers{
		Agents:      handler.NewAgentHandler(agents, logger),
		Inbox:       handler.NewInboxHandler(inboxSvc, logger),
		Groups:      handler.NewGroupHandler(groups, logger),
		RoundTables: handler.NewRoundTableHandler(tables, logger),
		Keys:        handler.NewKeyHandler(keys, tokens, logger),
		Discovery:   handler.NewDiscoveryHandler(agents, logger),
		System:      handler.NewSystemHandler(store, version, logger),
	}, mw, handler.RouterOptions{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, logger)

	// ── Background sweeps ────────────────────────────────────────────────────
	sched := scheduler.New(cfg.CleanupInterval, handler.RecordSweep, logger)
	sweeps := map[string]scheduler.Sweeper{
		"reclaim_leases":      inboxSvc.ReclaimExpiredLeases,
		"expire_messages":     inboxSvc.ExpireOldMessages,
		"age_heartbeats":      agents.MarkOfflineAgents,
		"expire_round_tables": tables.ExpireStale,
		"purge_round_tables": func(ctx context.Context) (int, error) {
			return tables.PurgeStale(ctx, 0)
		},
		"purge_group_history": groups.PurgeHistory,
	}
	for name, sweep := range sweeps {
		if err := sched.Add(name, sweep); err != nil {
			return err
		}
	}
	sched.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("hub listening",
			zap.Int("port", cfg.Port),
			zap.String("backend", string(cfg.StorageBackend)),
			zap.Bool("auth", cfg.APIKeyRequired),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down hub...")

	sched.Stop()
	pusher.Shutdown(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}

	logger.Info("hub stopped")
	return nil
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Info("storage: in-memory (ephemeral)")
		return storage.NewMemory(), nil

	case config.BackendMech:
		store := storage.NewMech(cfg.MechURL, cfg.MechApp, cfg.MechAPIKey, cfg.MechTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MechTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping mech: %w", err)
		}
		logger.Info("storage: mech", zap.String("url", cfg.MechURL), zap.String("app", cfg.MechApp))
		return store, nil

	case config.BackendPostgres:
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := storage.NewPostgres(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("storage: postgres")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
