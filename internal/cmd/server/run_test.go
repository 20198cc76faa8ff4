package serverrun

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/correlator/internal/config"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
	logpkg "github.com/rzbill/correlator/pkg/log"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestClusterOptions(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Fsync = "never"
	cfg.Correlation.PendingRetryIntervalMs = 2500
	cfg.CommandLog.RetainApplied = 42

	opts, err := clusterOptions(cfg, logpkg.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, pebblestore.FsyncModeNever, opts.Fsync)
	assert.Equal(t, 2500*time.Millisecond, opts.PendingRetryInterval)
	assert.Equal(t, time.Minute, opts.ExpiryCheckInterval)
	assert.Equal(t, 1000, opts.ExpiryBatchLimit)
	assert.EqualValues(t, 42, opts.RetainApplied)

	cfg.Fsync = "sometimes"
	_, err = clusterOptions(cfg, logpkg.NewNop(), nil)
	assert.Error(t, err)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.PartitionCount = 0
	err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNop()})
	assert.Error(t, err)
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.PartitionCount = 2
	cfg.GRPCAddr = freeAddr(t)
	cfg.HTTPAddr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Options{Config: cfg, Logger: logpkg.NewNop()}) }()

	url := fmt.Sprintf("http://%s/v1/healthz", cfg.HTTPAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
