package tpool

import (
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

type leakTimer struct {
	timer *time.Timer
}

// leakDetector arms a one-shot timer for every checkout. Timers are keyed by
// connection id; a connection has at most one live checkout.
type leakDetector struct {
	timeout time.Duration
	timers  cmap.ConcurrentMap
	onLeak  func(*Connection)
}

func newLeakDetector(timeout time.Duration, onLeak func(*Connection)) *leakDetector {
	return &leakDetector{
		timeout: timeout,
		timers:  cmap.New(),
		onLeak:  onLeak,
	}
}

// arm starts the timer for a lease. Caller holds the segment lock.
func (ld *leakDetector) arm(lease *Connection) {
	lt := &leakTimer{
		timer: time.AfterFunc(ld.timeout, func() { ld.onLeak(lease) }),
	}

	if previous, ok := ld.timers.Pop(lease.conn.id.String()); ok {
		previous.(*leakTimer).timer.Stop()
	}
	ld.timers.Set(lease.conn.id.String(), lt)
}

// disarm stops the connection's timer if one is armed. Caller holds the segment lock.
func (ld *leakDetector) disarm(pc *pooledConn) {
	if v, ok := ld.timers.Pop(pc.id.String()); ok {
		v.(*leakTimer).timer.Stop()
	}
}

func (ld *leakDetector) cancelAll() {
	for _, key := range ld.timers.Keys() {
		if v, ok := ld.timers.Pop(key); ok {
			v.(*leakTimer).timer.Stop()
		}
	}
}

func (ld *leakDetector) armed() int {
	return ld.timers.Count()
}
