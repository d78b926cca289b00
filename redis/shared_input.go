// Package redis shares run inputs between workers through Redis, so a fleet
// serving the same flows fetches each run input from the Store once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

const (
	defaultPrefix = "stepflow"
	defaultTTL    = time.Hour
)

// SharedInputSource is an api.RunInputSource that checks Redis before the
// wrapped source and stores what it fetched. Run inputs never change, so
// entries only expire.
//
// Keys have the form <prefix>:run_input:<run_id>.
type SharedInputSource struct {
	client *redis.Client
	source api.RunInputSource
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ api.RunInputSource = (*SharedInputSource)(nil)

// Option configures a SharedInputSource.
type Option func(*SharedInputSource)

// WithPrefix sets the key prefix. The default is "stepflow".
func WithPrefix(prefix string) Option {
	return func(s *SharedInputSource) { s.prefix = prefix }
}

// WithTTL sets how long an entry lives. The default is one hour.
func WithTTL(ttl time.Duration) Option {
	return func(s *SharedInputSource) { s.ttl = ttl }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *SharedInputSource) { s.logger = logger }
}

// NewSharedInputSource wraps source with a Redis cache on client.
func NewSharedInputSource(client *redis.Client, source api.RunInputSource, opts ...Option) *SharedInputSource {
	s := &SharedInputSource{
		client: client,
		source: source,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SharedInputSource) key(runID string) string {
	return fmt.Sprintf("%s:run_input:%s", s.prefix, runID)
}

// GetRunInput returns the cached input or fetches it from the wrapped
// source. Redis failures fall through to the source; they never fail the
// read.
func (s *SharedInputSource) GetRunInput(ctx context.Context, runID string) (json.RawMessage, error) {
	cached, err := s.client.Get(ctx, s.key(runID)).Bytes()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("shared input cache read failed", zap.String("run_id", runID), zap.Error(err))
	}

	input, err := s.source.GetRunInput(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.client.SetNX(ctx, s.key(runID), []byte(input), s.ttl).Err(); err != nil {
		s.logger.Warn("shared input cache write failed", zap.String("run_id", runID), zap.Error(err))
	}
	return input, nil
}

// Forget drops the cached input of runID.
func (s *SharedInputSource) Forget(ctx context.Context, runID string) error {
	return s.client.Del(ctx, s.key(runID)).Err()
}
