package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ClearPeaks/knime-audit/internal/core"
)

// releaseScript deletes the claim only when this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ClaimStore holds per-job in-flight claims shared by every process.
type ClaimStore struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

var _ core.ClaimStore = (*ClaimStore)(nil)

// NewClaimStore creates a ClaimStore whose claims are owned by this instance.
func NewClaimStore(client redis.UniversalClient) *ClaimStore {
	return NewClaimStoreWithPrefix(client, "knime-audit:inflight:")
}

// NewClaimStoreWithPrefix creates a ClaimStore with a custom key prefix.
func NewClaimStoreWithPrefix(client redis.UniversalClient, prefix string) *ClaimStore {
	return &ClaimStore{client: client, prefix: prefix, owner: uuid.NewString()}
}

// Claim takes the claim for jobID for ttl. It returns false when another owner holds it.
func (s *ClaimStore) Claim(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id cannot be empty")
	}
	if ttl <= 0 {
		return false, errors.New("claim ttl must be positive")
	}
	ok, err := s.client.SetNX(ctx, s.prefix+jobID, s.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops the claim if this owner still holds it.
func (s *ClaimStore) Release(ctx context.Context, jobID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + jobID}, s.owner).Err(); err != nil {
		return fmt.Errorf("redis release claim: %w", err)
	}
	return nil
}
