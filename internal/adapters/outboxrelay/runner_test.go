package outboxrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	"github.com/ClearPeaks/knime-audit/internal/mocks"
	"github.com/ClearPeaks/knime-audit/internal/testutil"
)

func relayConfig() config.OutboxRelayConfig {
	return config.OutboxRelayConfig{Interval: time.Second, BatchSize: 10, RetryBase: time.Second, RetryCap: time.Minute}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: relayConfig()})
	require.ErrorContains(t, err, "database connection is required")

	ctrl := gomock.NewController(t)
	_, err = NewRunner(RunnerOptions{Config: relayConfig(), Repo: mocks.NewMockOutboxRepository(ctrl)})
	require.ErrorContains(t, err, "redis client is required")
}

func TestRunner_RunOnceRelaysToStream(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewMiniRedis(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockOutboxRepository(ctrl)

	runner, err := NewRunner(RunnerOptions{
		RedisClient: client,
		Config:      relayConfig(),
		Bus:         config.BusConfig{Stream: "knime-audit-events", DedupeTTL: time.Hour},
		Repo:        repo,
	})
	require.NoError(t, err)

	entry := &model.OutboxEntry{
		ID:       "1",
		JobID:    "4471",
		EventKey: "4471@2024-03-01T10:00:00Z",
		Payload:  []byte("<auditEventList/>"),
		Attempts: 1,
	}
	gomock.InOrder(
		repo.EXPECT().ClaimDue(gomock.Any(), gomock.Any()).Return([]*model.OutboxEntry{entry}, nil),
		repo.EXPECT().MarkDelivered(gomock.Any(), "1", gomock.Any()).Return(nil),
	)
	repo.EXPECT().CountPending(gomock.Any()).Return(0, nil)

	stats, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)

	entries, err := client.XRange(ctx, "knime-audit-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "4471", entries[0].Values["job_id"])
}
