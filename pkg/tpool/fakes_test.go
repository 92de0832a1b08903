package tpool_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")
var errDial = errors.New("dial refused")

type fakeHandle struct {
	id      int
	class   tpool.Class
	failing atomic.Bool
	probes  atomic.Int32
	closes  atomic.Int32
}

func (h *fakeHandle) Probe(ctx context.Context) error {
	h.probes.Add(1)
	if h.failing.Load() {
		return errProbe
	}
	return ctx.Err()
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	createErr error
	unhealthy bool // new handles fail their first probe
}

func (f *fakeFactory) CreateConnection(ctx context.Context, class tpool.Class) (tpool.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	h := &fakeHandle{id: len(f.handles), class: class}
	h.failing.Store(f.unhealthy)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeFactory) all() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testConfig has fast timeouts and no background health checks.
func testConfig() *tpool.PoolConfig {
	cfg := tpool.DefaultPoolConfig()
	cfg.MinConnections = 2
	cfg.MaxConnections = 4
	cfg.ConnectionTimeout = 1000
	cfg.IdleTimeout = 60000
	cfg.RetryBaseDelay = 10
	cfg.HealthCheckInterval = 60000
	cfg.LeakDetectionTimeout = 60000
	cfg.ProbeTimeout = 500
	cfg.ShutdownTimeout = 1000
	cfg.ShutdownPollInterval = 10
	cfg.DisableHealthCheck = true
	return cfg
}

func newTestPool(t *testing.T, cfg *tpool.PoolConfig, factory tpool.Factory) *tpool.Pool {
	t.Helper()

	pool, err := tpool.NewPoolWithLogger(cfg, factory, testLogger())
	require.NoError(t, err)
	require.NotNil(t, pool)
	return pool
}

// gatedFactory blocks every CreateConnection on gate once hold is called.
type gatedFactory struct {
	*fakeFactory
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *gatedFactory) hold() {
	f.gate = make(chan struct{})
	f.entered = make(chan struct{})
}

func (f *gatedFactory) CreateConnection(ctx context.Context, class tpool.Class) (tpool.Handle, error) {
	if f.gate != nil {
		f.once.Do(func() { close(f.entered) })
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return f.fakeFactory.CreateConnection(ctx, class)
}
