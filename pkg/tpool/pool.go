package tpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	stateRunning int32 = iota
	stateShuttingDown
	stateShutdown
)

// Pool hands out connections per class, bounded by a pool-wide maximum.
type Pool struct {
	Config       PoolConfig
	settings     *settings
	factory      Factory
	log          *logrus.Entry
	errorHandler func(error)

	segments map[Class]*segment
	slots    atomic.Int64
	state    atomic.Int32
	metrics  *metrics
	leaks    *leakDetector
	health   *healthChecker

	backgroundLock sync.Mutex
	background     sync.WaitGroup
	done           chan struct{}
}

// NewPool creates a pool and opens MinConnections connections before returning.
func NewPool(config *PoolConfig, factory Factory) (*Pool, error) {
	return NewPoolWithHandlers(config, factory, nil, nil)
}

// NewPoolWithLogger creates a pool that logs through the given logger.
func NewPoolWithLogger(config *PoolConfig, factory Factory, logger *logrus.Logger) (*Pool, error) {
	return NewPoolWithHandlers(config, factory, logger, nil)
}

// NewPoolWithHandlers creates a pool with a logger and a handler that receives
// every error raised by background work (health checks, replacements, closes).
func NewPoolWithHandlers(config *PoolConfig, factory Factory, logger *logrus.Logger, errorHandler func(error)) (*Pool, error) {
	poolSettings, err := config.settings()
	if err != nil {
		return nil, err
	}

	if factory == nil {
		return nil, invalidConfig("Factory", "can't be nil")
	}

	if logger == nil {
		logger = logrus.New()
	}

	p := &Pool{
		Config:       *config,
		settings:     poolSettings,
		factory:      factory,
		errorHandler: errorHandler,
		segments:     make(map[Class]*segment, len(poolSettings.classes)),
		metrics:      newMetrics(poolSettings.responseTimeSamples),
		done:         make(chan struct{}),
		log: logger.WithFields(logrus.Fields{
			"component":   "pool",
			"application": poolSettings.applicationName,
		}),
	}

	mins := poolSettings.minimums()
	for _, class := range poolSettings.classes {
		p.segments[class] = newSegment(class, mins[class], poolSettings.maxConnections, logger)
	}

	p.leaks = newLeakDetector(poolSettings.leakDetectionTimeout, p.reclaim)

	if err = p.initializeConnections(); err != nil {
		p.teardown()
		return nil, err
	}

	if poolSettings.healthCheckEnabled {
		p.health = newHealthChecker(p, poolSettings.healthCheckInterval)
		p.health.start()
	}

	p.log.WithFields(logrus.Fields{
		"min": poolSettings.minConnections,
		"max": poolSettings.maxConnections,
	}).Info("connection pool started")

	return p, nil
}

func (p *Pool) initializeConnections() error {
	for _, class := range p.settings.classes {
		seg := p.segments[class]
		for i := 0; i < seg.min; i++ {
			if !p.reserveSlot() {
				return invalidConfig("MinConnections", "exceeds MaxConnections")
			}

			pc, err := p.createConn(context.Background(), class)
			if err != nil {
				p.slots.Add(-1)
				p.log.WithError(err).Error("initialization failed during connection creation")
				return err
			}

			seg.mu.Lock()
			seg.add(pc)
			seg.mu.Unlock()
		}
	}

	return nil
}

// Classes returns the classes the pool was configured with.
func (p *Pool) Classes() []Class {
	return append([]Class(nil), p.settings.classes...)
}

// Done is closed once Shutdown has finished tearing the pool down.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

func (p *Pool) shuttingDown() bool {
	return p.state.Load() != stateRunning
}

// Acquire returns a connection of the given class. It reuses an idle connection,
// creates one if the pool is below MaxConnections, or waits in FIFO order until
// one is released, ConnectionTimeout elapses or ctx is done.
func (p *Pool) Acquire(ctx context.Context, class Class) (*Connection, error) {
	p.metrics.totalRequests.Add(1)

	conn, err := p.acquire(ctx, class)
	if err != nil {
		p.metrics.failedRequests.Add(1)
		return nil, err
	}

	return conn, nil
}

func (p *Pool) acquire(ctx context.Context, class Class) (*Connection, error) {
	if p.shuttingDown() {
		return nil, &PoolError{Op: "acquire", Class: class, Err: ErrPoolShuttingDown}
	}

	seg, ok := p.segments[class]
	if !ok {
		return nil, &PoolError{Op: "acquire", Class: class, Err: ErrUnknownClass}
	}

	seg.mu.Lock()
	if p.shuttingDown() {
		seg.mu.Unlock()
		return nil, &PoolError{Op: "acquire", Class: class, Err: ErrPoolShuttingDown}
	}

	if pc := seg.idleConn(); pc != nil {
		lease := pc.checkout()
		p.leaks.arm(lease)
		seg.mu.Unlock()

		seg.logger.WithField("connection", pc.id).Debug("checked out idle connection")
		return lease, nil
	}

	if seg.waiters.len() == 0 && p.reserveSlot() {
		seg.mu.Unlock()
		return p.acquireNew(ctx, seg)
	}

	w := newWaiter()
	if err := seg.waiters.push(w); err != nil {
		seg.mu.Unlock()
		return nil, &PoolError{Op: "acquire", Class: class, Err: err}
	}
	seg.mu.Unlock()

	p.serveWaitersAsync(seg)

	return p.await(ctx, seg, w)
}

// acquireNew creates a connection on an already reserved slot and checks it out.
func (p *Pool) acquireNew(ctx context.Context, seg *segment) (*Connection, error) {
	pc, err := p.createConn(ctx, seg.class)
	if err != nil {
		p.freeSlot()
		return nil, err
	}

	seg.mu.Lock()
	if p.shuttingDown() {
		seg.mu.Unlock()
		p.close(pc)
		p.slots.Add(-1)
		return nil, &PoolError{Op: "acquire", Class: seg.class, Err: ErrPoolShuttingDown}
	}

	seg.add(pc)
	lease := pc.checkout()
	p.leaks.arm(lease)
	seg.mu.Unlock()

	seg.logger.WithField("connection", pc.id).Debug("checked out new connection")
	return lease, nil
}

func (p *Pool) await(ctx context.Context, seg *segment, w *waiter) (*Connection, error) {
	timer := time.NewTimer(p.settings.connectionTimeout)
	defer timer.Stop()

	var err error
	select {
	case res := <-w.result:
		return p.waitOutcome(seg, res)
	case <-timer.C:
		err = ErrAcquisitionTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	seg.mu.Lock()
	if w.done {
		// Resolved while we were giving up.
		seg.mu.Unlock()
		return p.waitOutcome(seg, <-w.result)
	}
	seg.waiters.abandon(w)
	seg.mu.Unlock()

	return nil, &PoolError{Op: "acquire", Class: seg.class, Err: err}
}

func (p *Pool) waitOutcome(seg *segment, res waitResult) (*Connection, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.conn == nil {
		return nil, &PoolError{Op: "acquire", Class: seg.class, Err: ErrPoolShuttingDown}
	}
	return res.conn, nil
}

// Release returns a checkout to the pool. Releasing a stale or already released
// checkout only logs a warning.
func (p *Pool) Release(conn *Connection) {
	if conn == nil || conn.conn == nil {
		p.log.Warn("release called with a nil connection")
		return
	}

	pc := conn.conn
	seg, ok := p.segments[pc.class]
	if !ok {
		p.log.WithField("class", pc.class).Warn("release called with a connection from another pool")
		return
	}

	seg.mu.Lock()
	if !pc.active || pc.destroyed || pc.epoch.Load() != conn.epoch {
		seg.mu.Unlock()
		seg.logger.WithField("connection", pc.id).Warn("release of a connection that isn't checked out")
		return
	}

	p.leaks.disarm(pc)
	handedOff := p.checkinLocked(seg, pc)
	seg.mu.Unlock()

	if !handedOff {
		p.serveOtherClasses(seg.class)
	}
}

// checkinLocked hands an active connection to the oldest waiter or makes it idle.
// It reports whether a waiter took the connection.
func (p *Pool) checkinLocked(seg *segment, pc *pooledConn) bool {
	if !p.shuttingDown() {
		if w := seg.waiters.popLive(); w != nil {
			lease := pc.checkout()
			p.leaks.arm(lease)
			w.resolve(lease)
			return true
		}
	}

	pc.checkin()
	return false
}

// offerLocked gives an idle connection to the oldest waiter if there is one.
func (p *Pool) offerLocked(seg *segment, pc *pooledConn) {
	if p.shuttingDown() || !pc.idle() {
		return
	}

	if w := seg.waiters.popLive(); w != nil {
		lease := pc.checkout()
		p.leaks.arm(lease)
		w.resolve(lease)
	}
}

// reclaim is called by the leak detector when a checkout outlives LeakDetectionTimeout.
func (p *Pool) reclaim(lease *Connection) {
	pc := lease.conn
	seg := p.segments[pc.class]

	seg.mu.Lock()
	if !pc.active || pc.destroyed || pc.epoch.Load() != lease.epoch {
		seg.mu.Unlock()
		return
	}

	p.metrics.leaks.Add(1)
	seg.logger.WithFields(logrus.Fields{
		"connection": pc.id,
		"held":       time.Since(lease.acquiredAt).String(),
	}).Warn("connection leak detected, reclaiming")

	p.leaks.disarm(pc)
	handedOff := p.checkinLocked(seg, pc)
	seg.mu.Unlock()

	if !handedOff {
		p.serveOtherClasses(seg.class)
	}
}

func (p *Pool) reserveSlot() bool {
	for {
		current := p.slots.Load()
		if current >= p.settings.maxConnections {
			return false
		}
		if p.slots.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// freeSlot returns a slot and lets waiters of any class use it.
func (p *Pool) freeSlot() {
	p.slots.Add(-1)

	for _, class := range p.settings.classes {
		p.serveWaitersAsync(p.segments[class])
	}
}

func (p *Pool) createConn(ctx context.Context, class Class) (*pooledConn, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.settings.connectionTimeout)
	defer cancel()

	handle, err := p.factory.CreateConnection(createCtx, class)
	if err != nil {
		return nil, creationFailed(class, err)
	}
	if handle == nil {
		return nil, creationFailed(class, ErrConnectionCreationFailed)
	}

	pc := newPooledConn(class, handle)
	if err = p.probe(ctx, pc); err != nil {
		p.close(pc)
		return nil, creationFailed(class, err)
	}

	p.metrics.created.Add(1)
	return pc, nil
}

func (p *Pool) probe(ctx context.Context, pc *pooledConn) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.settings.probeTimeout)
	defer cancel()

	return pc.handle.Probe(probeCtx)
}

// close closes the handle exactly once, recovering from panics.
func (p *Pool) close(pc *pooledConn) {
	pc.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.WithField("connection", pc.id).Errorf("panic while closing connection: %v", r)
			}
		}()

		if err := pc.handle.Close(); err != nil {
			p.log.WithField("connection", pc.id).WithError(err).Warn("error closing connection")
		}
	})
}

// destroy closes a connection already removed from its segment and frees its slot.
func (p *Pool) destroy(pc *pooledConn) {
	p.close(pc)
	p.metrics.destroyed.Add(1)
	p.freeSlot()
}

// serveWaitersAsync creates connections in the background for a class with waiters.
func (p *Pool) serveWaitersAsync(seg *segment) {
	seg.mu.Lock()
	pending := seg.waiters.len()
	seg.mu.Unlock()

	if pending == 0 {
		return
	}

	p.goBackground(func() { p.serveWaiters(seg) })
}

// serveOtherClasses wakes waiters of other classes after a connection went idle,
// since they may be able to evict it when the pool is at MaxConnections.
func (p *Pool) serveOtherClasses(class Class) {
	for _, other := range p.settings.classes {
		if other != class {
			p.serveWaitersAsync(p.segments[other])
		}
	}
}

func (p *Pool) serveWaiters(seg *segment) {
	for {
		seg.mu.Lock()
		if p.shuttingDown() || seg.waiters.len() == 0 {
			seg.mu.Unlock()
			return
		}
		reserved := p.reserveSlot()
		seg.mu.Unlock()

		if !reserved && !p.evictForeignIdle(seg.class) {
			return
		}

		pc, err := p.createConn(context.Background(), seg.class)
		if err != nil {
			p.handleError(err)
			p.failOldestWaiter(seg, err)
			p.slots.Add(-1)
			continue
		}

		seg.mu.Lock()
		if p.shuttingDown() {
			seg.mu.Unlock()
			p.close(pc)
			p.slots.Add(-1)
			return
		}

		seg.add(pc)
		p.offerLocked(seg, pc)
		seg.mu.Unlock()
	}
}

// failOldestWaiter passes a creation error to the waiter the connection was
// being created for, so it doesn't sit out ConnectionTimeout.
func (p *Pool) failOldestWaiter(seg *segment, err error) {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if w := seg.waiters.popLive(); w != nil {
		w.fail(err)
	}
}

// evictForeignIdle closes an idle connection of another class that is above its
// minimum and keeps its slot for the caller. Every class has a minimum of at
// least one, so a class below its minimum at MaxConnections always finds one.
func (p *Pool) evictForeignIdle(class Class) bool {
	for _, other := range p.settings.classes {
		if other == class {
			continue
		}

		seg := p.segments[other]
		seg.mu.Lock()
		var victim *pooledConn
		if seg.size() > seg.min {
			victim = seg.idleConn()
		}
		if victim != nil {
			seg.remove(victim)
		}
		seg.mu.Unlock()

		if victim != nil {
			seg.logger.WithFields(logrus.Fields{
				"connection": victim.id,
				"for":        class,
			}).Debug("evicting idle connection for another class")
			p.close(victim)
			p.metrics.destroyed.Add(1)
			return true
		}
	}

	return false
}

func (p *Pool) goBackground(fn func()) {
	p.backgroundLock.Lock()
	defer p.backgroundLock.Unlock()

	if p.shuttingDown() {
		return
	}

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		fn()
	}()
}

func (p *Pool) handleError(err error) {
	p.log.WithError(err).Error("connection pool background error")

	if p.errorHandler != nil {
		p.errorHandler(err)
	}
}

// Shutdown stops the pool. It rejects new and queued requests, waits up to
// ShutdownTimeout (or until ctx is done) for checked out connections to be
// released, then closes every connection. Only the first call does any work.
func (p *Pool) Shutdown(ctx context.Context) {
	// Swapping under backgroundLock keeps goBackground from adding work after the swap.
	p.backgroundLock.Lock()
	swapped := p.state.CompareAndSwap(stateRunning, stateShuttingDown)
	p.backgroundLock.Unlock()
	if !swapped {
		return
	}

	p.log.Info("connection pool shutting down")

	if p.health != nil {
		p.health.stop()
	}

	p.rejectWaiters()
	p.background.Wait()
	p.waitForActive(ctx)
	p.leaks.cancelAll()
	p.teardown()

	p.state.Store(stateShutdown)
	close(p.done)

	p.log.Info("connection pool shut down")
}

func (p *Pool) rejectWaiters() {
	for _, class := range p.settings.classes {
		seg := p.segments[class]

		seg.mu.Lock()
		for _, w := range seg.waiters.drain() {
			w.resolve(nil)
		}
		seg.mu.Unlock()
	}
}

func (p *Pool) activeCount() int {
	active := 0
	for _, class := range p.settings.classes {
		seg := p.segments[class]
		seg.mu.Lock()
		active += seg.activeCount()
		seg.mu.Unlock()
	}
	return active
}

func (p *Pool) waitForActive(ctx context.Context) {
	if p.activeCount() == 0 {
		return
	}

	deadline := time.NewTimer(p.settings.shutdownTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(p.settings.shutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.WithField("active", p.activeCount()).Warn("shutdown context done, closing active connections")
			return
		case <-deadline.C:
			p.log.WithField("active", p.activeCount()).Warn("shutdown timeout reached, closing active connections")
			return
		case <-ticker.C:
			if p.activeCount() == 0 {
				return
			}
		}
	}
}

// teardown closes every connection in parallel.
func (p *Pool) teardown() {
	var all []*pooledConn
	for _, class := range p.settings.classes {
		seg := p.segments[class]
		seg.mu.Lock()
		all = append(all, seg.removeAll()...)
		seg.mu.Unlock()
	}

	wg := &sync.WaitGroup{}
	for _, pc := range all {
		wg.Add(1)
		go func(pc *pooledConn) {
			defer wg.Done()
			p.close(pc)
		}(pc)
	}
	wg.Wait()

	p.slots.Add(-int64(len(all)))
	p.metrics.destroyed.Add(uint64(len(all)))
}
