package worker

import (
	"os"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// ConnectionStringEnv is read when Config.ConnectionString is empty.
const ConnectionStringEnv = "EDGE_WORKER_DB_URL"

// Mode selects how strictly the worker treats flow shape drift.
type Mode string

const (
	// ModeProduction fails startup on any shape drift.
	ModeProduction Mode = "production"
	// ModeDevelopment replaces a drifted flow in the Store and keeps going.
	ModeDevelopment Mode = "development"
)

// Config controls a Worker. Start from DefaultConfig. New fills most zero
// fields from it, but MaxPollSeconds and ReportRetries keep a zero value
// as meaningful and EnsureCompiledOnStartup stays false. A zero Config
// therefore never blocks on reads, never retries reports and expects its
// flows to be registered in the Store already.
type Config struct {
	// WorkerID identifies the worker in heartbeats and task claims. A random
	// UUID is used when empty.
	WorkerID string

	// MaxConcurrent bounds how many tasks run at the same time.
	MaxConcurrent int

	// MaxPgConnections sizes the queue connection pool of SQL Stores.
	MaxPgConnections int

	// HandlerPoolSize sizes the separate connection pool handed to handlers.
	HandlerPoolSize int

	// BatchSize is the most messages read per poll.
	BatchSize int

	// VisibilityTimeout hides read messages from other pollers until they
	// are claimed.
	VisibilityTimeout time.Duration

	// MaxPollSeconds bounds how long one read waits for messages.
	MaxPollSeconds int

	// PollInterval is how often a waiting read checks the queue.
	PollInterval time.Duration

	HeartbeatInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration

	// EnsureCompiledOnStartup registers flows the Store does not know yet.
	EnsureCompiledOnStartup bool

	Mode Mode

	// IgnoreOptionDrift limits the startup shape check to slugs, step types
	// and dependencies.
	IgnoreOptionDrift bool

	// InputCacheTTL expires cached run inputs. Zero keeps them for the life
	// of the worker.
	InputCacheTTL time.Duration

	// ReportRetries is how many times a failed complete or fail report is
	// retried, ReportRetryInterval apart.
	ReportRetries       int
	ReportRetryInterval time.Duration

	// ConnectionString is the Store connection target. It falls back to
	// EDGE_WORKER_DB_URL and is always redacted from error messages.
	ConnectionString string

	// Secrets are further values redacted from error messages.
	Secrets []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:           10,
		MaxPgConnections:        4,
		HandlerPoolSize:         4,
		BatchSize:               10,
		VisibilityTimeout:       2 * time.Second,
		MaxPollSeconds:          2,
		PollInterval:            100 * time.Millisecond,
		HeartbeatInterval:       5 * time.Second,
		ShutdownTimeout:         30 * time.Second,
		EnsureCompiledOnStartup: true,
		Mode:                    ModeProduction,
		ReportRetries:           3,
		ReportRetryInterval:     200 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig and the environment,
// except the ones whose zero value is a valid setting.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxPgConnections == 0 {
		c.MaxPgConnections = d.MaxPgConnections
	}
	if c.HandlerPoolSize == 0 {
		c.HandlerPoolSize = d.HandlerPoolSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.ReportRetryInterval == 0 {
		c.ReportRetryInterval = d.ReportRetryInterval
	}
	if c.ConnectionString == "" {
		c.ConnectionString = os.Getenv(ConnectionStringEnv)
	}
	return c
}

// Validate rejects configurations the worker cannot run with.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int64
	}{
		{"maxConcurrent", int64(c.MaxConcurrent)},
		{"maxPgConnections", int64(c.MaxPgConnections)},
		{"handlerPoolSize", int64(c.HandlerPoolSize)},
		{"batchSize", int64(c.BatchSize)},
		{"visibilityTimeout", int64(c.VisibilityTimeout)},
		{"pollInterval", int64(c.PollInterval)},
		{"heartbeatInterval", int64(c.HeartbeatInterval)},
		{"shutdownTimeout", int64(c.ShutdownTimeout)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return api.NewValidationError("config", "%s must be greater than 0", p.name)
		}
	}
	if c.MaxPollSeconds < 0 {
		return api.NewValidationError("config", "maxPollSeconds must not be negative")
	}
	if c.ReportRetries < 0 {
		return api.NewValidationError("config", "reportRetries must not be negative")
	}
	if c.InputCacheTTL < 0 {
		return api.NewValidationError("config", "inputCacheTTL must not be negative")
	}
	switch c.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		return api.NewValidationError("config", "unknown mode '%s'", c.Mode)
	}
	return nil
}

// readOptions is the ReadMessages configuration derived from c.
func (c Config) readOptions() api.ReadOptions {
	return api.ReadOptions{
		VisibilityTimeout: c.VisibilityTimeout,
		BatchSize:         c.BatchSize,
		MaxPollSeconds:    c.MaxPollSeconds,
		PollInterval:      c.PollInterval,
	}
}

// secrets lists every value the redactor must hide.
func (c Config) secrets() []string {
	return append([]string{c.ConnectionString}, c.Secrets...)
}
