package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DB = 2
	opts := cfg.options()
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, 2, opts.DB)
	assert.Empty(t, opts.MasterName)

	cfg.ClusterAddrs = []string{"a:7000", "b:7000"}
	opts = cfg.options()
	assert.Equal(t, cfg.ClusterAddrs, opts.Addrs)
	assert.Zero(t, opts.DB, "clusters have a single database")

	cfg.ClusterAddrs = nil
	cfg.MasterName = "primary"
	cfg.SentinelAddrs = []string{"s1:26379"}
	opts = cfg.options()
	assert.Equal(t, "primary", opts.MasterName)
	assert.Equal(t, cfg.SentinelAddrs, opts.Addrs)
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.MaxRetries = -1
	_, err := NewClient(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	addr := os.Getenv("PINCEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PINCEX_TEST_REDIS_ADDR not set")
	}
	cfg := DefaultConfig()
	cfg.Address = addr
	rdb, err := NewClient(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rdb.Close())
}
