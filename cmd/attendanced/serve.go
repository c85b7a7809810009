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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/attendance-engine/api"
	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
	redisstore "github.com/warp/attendance-engine/store/redis"
	"github.com/warp/attendance-engine/store/sqlite"
)

const (
	shutdownTimeout = 30 * time.Second
	directoryTTL    = 30 * time.Second
)

var (
	servePort       int
	serveDB         string
	servePolicy     string
	serveRedis      string
	serveFacilities string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attendance API server",
	Long: `Starts the HTTP API.

Startup sequence:
  1. Open the SQLite store and seed facilities from --facilities if given
  2. Load the policy file and watch it for changes
  3. Connect to Redis for shared approvals if --redis is given
  4. Start the rollover scheduler and the HTTP server

On SIGINT/SIGTERM the server stops accepting connections and waits up to
30s for active requests.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides PORT)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", `SQLite database path, ":memory:" for in-memory (overrides DB_PATH)`)
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Policy YAML file (overrides POLICY_PATH)")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "Redis address for shared approvals (overrides REDIS_ADDRESS)")
	serveCmd.Flags().StringVar(&serveFacilities, "facilities", "", "Facility YAML file to seed (overrides FACILITIES_PATH)")
}

// applyServeFlags lets explicitly set flags win over the environment.
func applyServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("db") {
		cfg.DBPath = serveDB
	}
	if flags.Changed("policy") {
		cfg.PolicyPath = servePolicy
	}
	if flags.Changed("redis") {
		cfg.RedisAddress = serveRedis
	}
	if flags.Changed("facilities") {
		cfg.FacilitiesPath = serveFacilities
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	if cfg.FacilitiesPath != "" {
		if err := seedFacilities(ctx, store, cfg.FacilitiesPath); err != nil {
			return err
		}
	}

	source, err := policy.Load(cfg.PolicyPath, logger)
	if err != nil {
		return err
	}

	var approvals session.ApprovalQueue = store
	if cfg.RedisAddress != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisAddress)
		if err != nil {
			return err
		}
		defer client.Close()
		shared := redisstore.NewApprovals(client)
		shared.Logger = logger
		approvals = shared
		logger.Info("using shared approval queue", zap.String("redis", cfg.RedisAddress))
	}

	directory := &session.CachedDirectory{Source: store, TTL: directoryTTL, Logger: logger}
	registry := session.NewRegistry(session.Deps{
		Policy:     source,
		Facilities: directory,
		Records:    store,
		Approvals:  approvals,
		Identity:   store,
		Device:     session.Device{Class: policy.DeviceMobile},
		Clock:      session.SystemClock,
		Logger:     logger,
		OnEvent:    logEvent,
	})
	defer registry.Close()

	handler := api.NewHandler(registry, store, source)
	handler.Approvals = approvals
	handler.History = store
	handler.Employees = store
	handler.Database = store
	handler.FacilitiesChanged = directory.Invalidate
	handler.Logger = logger

	scheduler := session.NewRolloverScheduler(registry)
	scheduler.CheckInterval = cfg.RolloverInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return source.Watch(gctx) })
	g.Go(func() error { return registry.Listen(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func seedFacilities(ctx context.Context, store *sqlite.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read facilities: %w", err)
	}
	facilities, err := proximity.ParseFacilities(data)
	if err != nil {
		return err
	}
	if err := store.SeedFacilities(ctx, facilities); err != nil {
		return fmt.Errorf("seed facilities: %w", err)
	}
	logger.Info("facilities seeded", zap.Int("count", len(facilities)), zap.String("path", path))
	return nil
}

func logEvent(e session.Event) {
	logger.Info("attendance event",
		zap.String("type", string(e.Type)),
		zap.String("user_id", string(e.UserID)),
		zap.String("state", string(e.State)),
		zap.Time("at", e.At))
}
