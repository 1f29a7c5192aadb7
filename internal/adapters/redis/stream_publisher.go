// Package redis provides the Redis-backed audit bus and in-flight claims.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ClearPeaks/knime-audit/internal/core"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

// publishScript appends the message unless its key was already delivered.
// KEYS[1] stream, KEYS[2] dedupe key.
// ARGV: event key, dedupe ttl ms, maxlen (0 = untrimmed), job id, body.
var publishScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[3], '*', 'key', ARGV[1], 'job_id', ARGV[4], 'body', ARGV[5])
else
  redis.call('XADD', KEYS[1], '*', 'key', ARGV[1], 'job_id', ARGV[4], 'body', ARGV[5])
end
return 1
`)

// StreamPublisherOptions configures a StreamPublisher.
type StreamPublisherOptions struct {
	Stream    string
	MaxLen    int64
	DedupeTTL time.Duration
	// KeyPrefix namespaces the dedupe keys.
	KeyPrefix string
	Logger    *slog.Logger
}

// StreamPublisher delivers audit events to a Redis Stream. Each event key is
// appended at most once per DedupeTTL.
type StreamPublisher struct {
	client redis.UniversalClient
	opts   StreamPublisherOptions
	logger *slog.Logger
}

var _ core.MessagePublisher = (*StreamPublisher)(nil)

// NewStreamPublisher creates a StreamPublisher.
func NewStreamPublisher(client redis.UniversalClient, opts StreamPublisherOptions) (*StreamPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(opts.Stream) == "" {
		return nil, errors.New("stream name is required")
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 7 * 24 * time.Hour
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "knime-audit:published:"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPublisher{client: client, opts: opts, logger: logger.With("component", "stream_publisher")}, nil
}

// Publish appends msg to the stream. A key that was already delivered is a no-op.
func (p *StreamPublisher) Publish(ctx context.Context, msg core.BusMessage) error {
	if msg.Key == "" {
		return apperrors.Validationf("bus message key is required")
	}
	res, err := publishScript.Run(ctx, p.client,
		[]string{p.opts.Stream, p.opts.KeyPrefix + msg.Key},
		msg.Key, p.opts.DedupeTTL.Milliseconds(), p.opts.MaxLen, msg.JobID, msg.Body,
	).Int()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewStageError(apperrors.KindBusUnavailable, apperrors.StagePublish, "XADD "+p.opts.Stream, err)
	}
	if res == 0 {
		p.logger.DebugContext(ctx, "event already delivered", "job_id", msg.JobID, "event_key", msg.Key)
	}
	return nil
}

// Delivered reports whether key is recorded as delivered.
func (p *StreamPublisher) Delivered(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, p.opts.KeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}
