// Package config loads worker settings from flags, STEPFLOW_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// EnvPrefix prefixes every environment variable, e.g. STEPFLOW_BATCH_SIZE.
const EnvPrefix = "STEPFLOW"

// StoreKind selects the Store implementation.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
)

// Settings is everything the worker binary needs.
type Settings struct {
	Worker worker.Config

	Store        StoreKind
	SQLitePath   string
	FunctionName string

	// RedisAddr enables the shared run input cache when set.
	RedisAddr string
	RedisTTL  time.Duration

	// MetricsAddr serves /metrics when set.
	MetricsAddr string
	LogLevel    string
}

// BindFlags declares the worker flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := worker.DefaultConfig()

	fs.String("config-file", "", "path to a config file (yaml, json or toml)")
	fs.String("store", string(StoreMemory), "store implementation: memory, sqlite or postgres")
	fs.String("sqlite-path", "stepflow.db", "database file of the sqlite store")
	fs.String("connection-string", "", "postgres connection string (falls back to "+worker.ConnectionStringEnv+")")
	fs.String("function-name", "stepflow-worker", "name recorded with worker heartbeats")
	fs.String("redis-addr", "", "redis host:port for the shared run input cache")
	fs.Duration("redis-ttl", time.Hour, "lifetime of shared run input cache entries")
	fs.String("metrics-addr", "", "address serving Prometheus metrics, e.g. :9090")
	fs.String("log-level", "info", "log level: debug, info, warn or error")

	fs.String("worker-id", "", "worker id, a random UUID when empty")
	fs.String("mode", string(d.Mode), "production or development")
	fs.Int("max-concurrent", d.MaxConcurrent, "tasks running at the same time")
	fs.Int("max-pg-connections", d.MaxPgConnections, "size of the queue connection pool")
	fs.Int("handler-pool-size", d.HandlerPoolSize, "size of the handler connection pool")
	fs.Int("batch-size", d.BatchSize, "messages read per poll")
	fs.Duration("visibility-timeout", d.VisibilityTimeout, "how long read messages stay hidden")
	fs.Int("max-poll-seconds", d.MaxPollSeconds, "how long one read waits for messages")
	fs.Duration("poll-interval", d.PollInterval, "queue re-check interval during a read")
	fs.Duration("heartbeat-interval", d.HeartbeatInterval, "time between heartbeats")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "how long stop waits for in-flight tasks")
	fs.Bool("ensure-compiled", d.EnsureCompiledOnStartup, "register unknown flows on startup")
	fs.Bool("ignore-option-drift", false, "compare only structure during the startup shape check")
	fs.Duration("input-cache-ttl", 0, "lifetime of cached run inputs, 0 keeps them")
	fs.StringSlice("secret", nil, "value to redact from error messages (repeatable)")

	return v.BindPFlags(fs)
}

// Load reads the optional config file and resolves every setting.
func Load(v *viper.Viper) (Settings, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config-file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	s := Settings{
		Store:        StoreKind(v.GetString("store")),
		SQLitePath:   v.GetString("sqlite-path"),
		FunctionName: v.GetString("function-name"),
		RedisAddr:    v.GetString("redis-addr"),
		RedisTTL:     v.GetDuration("redis-ttl"),
		MetricsAddr:  v.GetString("metrics-addr"),
		LogLevel:     v.GetString("log-level"),
		Worker: worker.Config{
			WorkerID:                v.GetString("worker-id"),
			Mode:                    worker.Mode(v.GetString("mode")),
			MaxConcurrent:           v.GetInt("max-concurrent"),
			MaxPgConnections:        v.GetInt("max-pg-connections"),
			HandlerPoolSize:         v.GetInt("handler-pool-size"),
			BatchSize:               v.GetInt("batch-size"),
			VisibilityTimeout:       v.GetDuration("visibility-timeout"),
			MaxPollSeconds:          v.GetInt("max-poll-seconds"),
			PollInterval:            v.GetDuration("poll-interval"),
			HeartbeatInterval:       v.GetDuration("heartbeat-interval"),
			ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
			EnsureCompiledOnStartup: v.GetBool("ensure-compiled"),
			IgnoreOptionDrift:       v.GetBool("ignore-option-drift"),
			InputCacheTTL:           v.GetDuration("input-cache-ttl"),
			ConnectionString:        v.GetString("connection-string"),
			Secrets:                 v.GetStringSlice("secret"),
			ReportRetries:           worker.DefaultConfig().ReportRetries,
			ReportRetryInterval:     worker.DefaultConfig().ReportRetryInterval,
		},
	}
	return s, s.Validate()
}

// Validate checks the settings that Worker.Config.Validate does not cover.
func (s Settings) Validate() error {
	switch s.Store {
	case StoreMemory:
	case StoreSQLite:
		if s.SQLitePath == "" {
			return api.NewValidationError("config", "sqlite-path is required for the sqlite store")
		}
	case StorePostgres:
	default:
		return api.NewValidationError("config", "unknown store '%s'", s.Store)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return api.NewValidationError("config", "unknown log level '%s'", s.LogLevel)
	}
	return s.Worker.Validate()
}
