package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
	"github.com/petrijr/stepflow/postgres"
	sharedinput "github.com/petrijr/stepflow/redis"
)

// store is what the commands need from a Store implementation.
type store interface {
	api.Store
	api.Starter
}

// backend is an opened Store with its release function.
type backend struct {
	store   store
	options []worker.Option
	close   func()
}

func newWorkerCommand(reg *Registry) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker for every registered flow until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(settings)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, reg, settings, logger)
		},
	}
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func runWorker(ctx context.Context, reg *Registry, settings config.Settings, logger *zap.Logger) error {
	b, err := openBackend(ctx, settings, logger)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := append([]worker.Option{
		worker.WithLogger(logger),
		worker.WithRegisterer(promReg),
		worker.WithCloser(b.close),
	}, b.options...)

	w, err := worker.New(b.store, reg.All(), settings.Worker, opts...)
	if err != nil {
		b.close()
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	logger.Info("serving flows", zap.Strings("flows", reg.Slugs()), zap.String("store", string(settings.Store)))

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), settings.Worker.ShutdownTimeout+time.Second)
	defer cancel()
	stopErr := w.Stop(stopCtx)
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}
	return stopErr
}

func openBackend(ctx context.Context, settings config.Settings, logger *zap.Logger) (*backend, error) {
	var b *backend
	switch settings.Store {
	case config.StoreMemory:
		b = &backend{store: persistence.NewMemoryStore(), close: func() {}}

	case config.StoreSQLite:
		db, err := sql.Open("sqlite", settings.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", settings.SQLitePath, err)
		}
		db.SetMaxOpenConns(1)
		s, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b = &backend{store: s, close: func() { _ = db.Close() }}

	case config.StorePostgres:
		conn := settings.Worker.ConnectionString
		if conn == "" {
			conn = os.Getenv(worker.ConnectionStringEnv)
		}
		if conn == "" {
			return nil, api.NewValidationError("config", "the postgres store needs --connection-string or %s", worker.ConnectionStringEnv)
		}
		s, err := postgres.Open(ctx, conn, postgres.Options{
			MaxConns:        int32(settings.Worker.MaxPgConnections),
			HandlerPoolSize: int32(settings.Worker.HandlerPoolSize),
			FunctionName:    settings.FunctionName,
			Logger:          logger,
		})
		if err != nil {
			// The connection string may carry a password.
			return nil, errors.New(worker.NewRedactor(conn).Redact(err.Error()))
		}
		b = &backend{store: s, close: s.Close}
		if pool := s.HandlerPool(); pool != nil {
			b.options = append(b.options, worker.WithResource(api.ResourceHandlerPool, pool))
		}

	default:
		return nil, api.NewValidationError("config", "unknown store '%s'", settings.Store)
	}

	if settings.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: settings.RedisAddr})
		shared := sharedinput.NewSharedInputSource(client, b.store,
			sharedinput.WithTTL(settings.RedisTTL), sharedinput.WithLogger(logger))
		b.options = append(b.options, worker.WithInputSource(shared))
		closeStore := b.close
		b.close = func() {
			_ = client.Close()
			closeStore()
		}
	}
	return b, nil
}

func newLogger(settings config.Settings) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if settings.Worker.Mode == worker.ModeDevelopment {
		cfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func newStartCommand(reg *Registry) *cobra.Command {
	v := viper.New()
	var input string
	cmd := &cobra.Command{
		Use:   "start <flow>",
		Short: "Start a run of a flow on a durable store and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			if !json.Valid([]byte(input)) {
				return api.NewValidationError("input", "--input is not valid JSON")
			}
			settings, err := config.Load(v)
			if err != nil {
				return err
			}
			if settings.Store == config.StoreMemory {
				return api.NewValidationError("config", "start needs a durable store, not memory")
			}
			b, err := openBackend(cmd.Context(), settings, zap.NewNop())
			if err != nil {
				return err
			}
			defer b.close()

			cmds, err := api.Compile(flow)
			if err != nil {
				return err
			}
			if err := b.store.ApplyCommands(cmd.Context(), flow.Slug(), cmds); err != nil {
				return err
			}
			runID, err := b.store.StartFlow(cmd.Context(), args[0], json.RawMessage(input), "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "null", "run input as JSON")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}
