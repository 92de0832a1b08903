package tpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckReplacesFailedConnections(t *testing.T) {
	factory := &fakeFactory{}
	var handled []error

	pool, err := tpool.NewPoolWithHandlers(testConfig(), factory, testLogger(), func(err error) {
		handled = append(handled, err)
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	original := factory.all()
	for _, h := range original {
		h.failing.Store(true)
	}

	pool.CheckNow(context.Background())

	metrics := pool.Metrics()
	assert.Equal(t, uint64(2), metrics.ProbeFailures)
	assert.Equal(t, 2, metrics.TotalConnections)
	assert.Equal(t, 1, metrics.Classes[tpool.ReadClass].TotalConnections)
	assert.Equal(t, 1, metrics.Classes[tpool.WriteClass].TotalConnections)
	assert.Equal(t, uint64(1), metrics.HealthChecks)
	assert.False(t, metrics.LastHealthCheck.IsZero())
	assert.Equal(t, 4, factory.created())
	assert.Len(t, handled, 2)

	for _, h := range original {
		assert.Equal(t, int32(1), h.closes.Load())
	}
}

func TestHealthCheckSkipsActiveConnections(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Classes = []tpool.Class{tpool.ReadClass}
	cfg.MinConnections = 1

	pool := newTestPool(t, cfg, factory)
	defer pool.Shutdown(context.Background())

	conn, err := pool.Acquire(context.Background(), tpool.ReadClass)
	require.NoError(t, err)

	for _, h := range factory.all() {
		h.failing.Store(true)
	}

	pool.CheckNow(context.Background())

	assert.Equal(t, uint64(0), pool.Metrics().ProbeFailures)
	assert.True(t, conn.Valid())
	for _, h := range factory.all() {
		assert.Equal(t, int32(1), h.probes.Load())
	}

	pool.Release(conn)
}

func TestHealthCheckEvictsIdleAboveMinimum(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Classes = []tpool.Class{tpool.ReadClass}
	cfg.MinConnections = 1
	cfg.IdleTimeout = 20

	pool := newTestPool(t, cfg, factory)
	defer pool.Shutdown(context.Background())

	var held []*tpool.Connection
	for i := 0; i < 3; i++ {
		conn, err := pool.Acquire(context.Background(), tpool.ReadClass)
		require.NoError(t, err)
		held = append(held, conn)
	}
	for _, conn := range held {
		pool.Release(conn)
	}

	time.Sleep(40 * time.Millisecond)
	pool.CheckNow(context.Background())

	metrics := pool.Metrics()
	assert.Equal(t, 1, metrics.TotalConnections)
	assert.Equal(t, uint64(2), metrics.IdleEvictions)
	assert.Equal(t, uint64(2), metrics.ConnectionsDestroyed)
}

func TestHealthCheckRunsInBackground(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	cfg := testConfig()
	cfg.DisableHealthCheck = false
	cfg.HealthCheckInterval = 20

	pool := newTestPool(t, cfg, &fakeFactory{})

	assert.Eventually(t, func() bool {
		return pool.Metrics().HealthChecks >= 2
	}, time.Second, 5*time.Millisecond)

	pool.Shutdown(context.Background())
}
