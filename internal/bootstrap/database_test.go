package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/config"
)

func TestParseRedisTarget(t *testing.T) {
	target, err := parseRedisTarget(" cache:6379 ", "secret")
	require.NoError(t, err)
	assert.Equal(t, redisTarget{addr: "cache:6379", password: "secret"}, target)

	target, err = parseRedisTarget("redis://audit:pw@cache:6380/0", "secret")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", target.addr)
	assert.Equal(t, "audit", target.username)
	assert.Equal(t, "pw", target.password)
	assert.Nil(t, target.tls)

	target, err = parseRedisTarget("rediss://cache:6380", "secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", target.password, "falls back to configured password")
	assert.NotNil(t, target.tls)

	_, err = parseRedisTarget("redis://cache:6380/notadb", "")
	require.Error(t, err)
}

func TestRedisClientSelectionErrors(t *testing.T) {
	_, _, err := newClusterClient(config.RedisConfig{UseCluster: true, ClusterNodes: []string{" "}})
	require.ErrorContains(t, err, "at least one address")

	_, _, err = newSentinelClient(config.RedisConfig{UseSentinel: true})
	require.ErrorContains(t, err, "at least one sentinel node")

	_, _, err = newDirectClient(config.RedisConfig{})
	require.ErrorContains(t, err, "requires a URI")
}

func TestNewClusterClient_SeedFromURI(t *testing.T) {
	client, desc, err := newClusterClient(config.RedisConfig{UseCluster: true, URI: "redis://seed:7000"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, "cluster:seed:7000", desc)
}

func TestConnectRedis_Direct(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(DatabaseConfig{RedisConfig: config.RedisConfig{URI: mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnectRedis_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := ConnectRedis(DatabaseConfig{RedisConfig: config.RedisConfig{URI: addr}})
	require.ErrorContains(t, err, "ping redis")
}
