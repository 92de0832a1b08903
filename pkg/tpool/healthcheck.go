package tpool

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type healthChecker struct {
	pool     *Pool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHealthChecker(pool *Pool, interval time.Duration) *healthChecker {
	return &healthChecker{
		pool:     pool,
		interval: interval,
	}
}

func (hc *healthChecker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	hc.cancel = cancel
	hc.done = make(chan struct{})

	go hc.run(ctx)
}

func (hc *healthChecker) run(ctx context.Context) {
	defer close(hc.done)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.pool.CheckNow(ctx)
		}
	}
}

// stop cancels the loop and waits for an in-flight pass to finish.
func (hc *healthChecker) stop() {
	hc.cancel()
	<-hc.done
}

// CheckNow runs one health check pass over every class: idle connections are
// probed, failed ones are replaced up to the class minimum, and connections idle
// longer than IdleTimeout are closed while the class stays above its minimum.
// Connections checked out by callers are never probed.
func (p *Pool) CheckNow(ctx context.Context) {
	if p.shuttingDown() {
		return
	}

	for _, class := range p.settings.classes {
		seg := p.segments[class]
		p.probeIdle(ctx, seg)
		p.ensureMinimum(ctx, seg)
		p.evictIdle(seg)
	}

	p.metrics.markHealthCheck()
	p.log.Debug("health check complete")
}

func (p *Pool) probeIdle(ctx context.Context, seg *segment) {
	seg.mu.Lock()
	batch := make([]*pooledConn, 0, seg.size())
	for _, pc := range seg.conns {
		if pc.idle() {
			pc.probing = true
			batch = append(batch, pc)
		}
	}
	seg.mu.Unlock()

	for _, pc := range batch {
		err := p.probe(ctx, pc)

		seg.mu.Lock()
		pc.probing = false
		if err == nil || ctx.Err() != nil {
			p.offerLocked(seg, pc)
			seg.mu.Unlock()
			continue
		}

		seg.remove(pc)
		seg.mu.Unlock()

		p.metrics.probeFailures.Add(1)
		seg.logger.WithFields(logrus.Fields{
			"connection": pc.id,
			"error":      err,
		}).Warn("connection failed health check, destroying")
		p.handleError(&PoolError{Op: "health check", Class: seg.class, Err: err})

		p.destroy(pc)
	}
}

// ensureMinimum creates replacements until the class is back at its minimum.
func (p *Pool) ensureMinimum(ctx context.Context, seg *segment) {
	for {
		seg.mu.Lock()
		if p.shuttingDown() || seg.size() >= seg.min || !p.reserveSlot() {
			seg.mu.Unlock()
			return
		}
		seg.mu.Unlock()

		pc, err := p.createConn(ctx, seg.class)
		if err != nil {
			p.slots.Add(-1)
			if ctx.Err() == nil {
				p.handleError(err)
			}
			return
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

		seg.logger.WithField("connection", pc.id).Info("replacement connection created")
	}
}

func (p *Pool) evictIdle(seg *segment) {
	seg.mu.Lock()
	var evicted []*pooledConn
	for _, pc := range seg.conns {
		if seg.size() <= seg.min {
			break
		}
		if pc.idle() && time.Since(pc.lastUsedAt) >= p.settings.idleTimeout {
			seg.remove(pc)
			evicted = append(evicted, pc)
		}
	}
	seg.mu.Unlock()

	for _, pc := range evicted {
		p.metrics.idleEvictions.Add(1)
		seg.logger.WithField("connection", pc.id).Debug("closing idle connection")
		p.destroy(pc)
	}
}
