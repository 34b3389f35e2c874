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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/cnw-hwid-license/httpapi"
	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
	"github.com/CloudNativeWorks/cnw-hwid-license/internal/config"
	"github.com/CloudNativeWorks/cnw-hwid-license/internal/logging"
	"github.com/CloudNativeWorks/cnw-hwid-license/keylock"
	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const defaultCloseTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the license server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("HWLICENSE_CONFIG"), "path to a YAML config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	// Baseline logger for startup errors
	logger := logging.Init(logging.Config{Format: "auto", Level: "info", Component: "hwlicensed"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger = logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "hwlicensed",
	})

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	codec, err := hwlicense.NewCodec(cfg.License.SecretKey,
		hwlicense.WithLegacyArtifacts(cfg.License.LegacyArtifacts))
	if err != nil {
		return err
	}

	managerOpts := []hwlicense.ManagerOption{
		hwlicense.WithLogger(logger.With().Str("module", "license").Logger()),
		hwlicense.WithGracePeriodDays(cfg.License.OfflineGracePeriodDays),
		hwlicense.WithStorageTimeout(cfg.License.StorageTimeout),
	}
	if cfg.Metrics.Enabled {
		managerOpts = append(managerOpts, hwlicense.WithMetrics(hwlicense.NewMetrics(reg)))
	}
	if cfg.Redis.URL != "" {
		client, err := keylock.Connect(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		managerOpts = append(managerOpts, hwlicense.WithLocker(
			keylock.NewRedis(client, keylock.WithTTL(cfg.Redis.LockTTL))))
		logger.Info().Msg("Using Redis for hardware ID locks")
	}

	manager, err := hwlicense.NewManager(codec, backend.store, managerOpts...)
	if err != nil {
		return err
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger.With().Str("module", "http").Logger()),
		httpapi.WithReadiness(func(r *http.Request) error { return backend.ping(r.Context()) }),
	}
	if cfg.Server.RateLimit.Enabled {
		apiOpts = append(apiOpts, httpapi.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst))
	}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, httpapi.WithMetrics(reg, cfg.Metrics.Path,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.New(manager, apiOpts...).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("storage", cfg.Storage.Driver).
			Str("version", Version).
			Msg("Starting license server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down license server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// storeBackend bundles a store with the resources behind it.
type storeBackend struct {
	store   store.Store
	ping    func(context.Context) error
	closers []func(context.Context) error
}

func (b *storeBackend) close(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*storeBackend, error) {
	noPing := func(context.Context) error { return nil }

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		st := store.NewMemoryStore()
		return &storeBackend{store: st, ping: noPing, closers: []func(context.Context) error{st.Close}}, nil

	case config.DriverSQLite:
		st, err := store.NewSQLiteStore(ctx, cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		return &storeBackend{store: st, ping: noPing, closers: []func(context.Context) error{st.Close}}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st, err := store.NewPostgresStore(ctx, pool, store.WithTablePrefix(cfg.Storage.Prefix))
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &storeBackend{
			store: st,
			ping:  pool.Ping,
			closers: []func(context.Context) error{
				func(context.Context) error { pool.Close(); return nil },
				st.Close,
			},
		}, nil

	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Storage.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st, err := store.NewMongoStore(ctx, client.Database(cfg.Storage.MongoDatabase),
			store.WithCollectionPrefix(cfg.Storage.Prefix))
		if err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, err
		}
		return &storeBackend{
			store:   st,
			ping:    func(ctx context.Context) error { return client.Ping(ctx, nil) },
			closers: []func(context.Context) error{client.Disconnect, st.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
