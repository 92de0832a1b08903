package tpool

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// segment holds every connection of one class plus the class's waiters.
// mu guards conns, the per-connection flags and the wait queue.
type segment struct {
	class   Class
	min     int
	mu      sync.Mutex
	conns   map[uuid.UUID]*pooledConn
	waiters *waitQueue
	logger  *logrus.Entry
}

func newSegment(class Class, minimum int, maxConnections int64, logger *logrus.Logger) *segment {
	return &segment{
		class:   class,
		min:     minimum,
		conns:   make(map[uuid.UUID]*pooledConn, maxConnections),
		waiters: newWaitQueue(maxConnections),
		logger: logger.WithFields(logrus.Fields{
			"component": "segment",
			"class":     class,
		}),
	}
}

func (s *segment) add(pc *pooledConn) {
	s.conns[pc.id] = pc
}

// remove takes the connection out of service and invalidates any lease on it.
func (s *segment) remove(pc *pooledConn) {
	delete(s.conns, pc.id)
	pc.destroyed = true
	pc.active = false
	pc.epoch.Add(1)
}

func (s *segment) idleConn() *pooledConn {
	for _, pc := range s.conns {
		if pc.idle() {
			return pc
		}
	}
	return nil
}

func (s *segment) size() int {
	return len(s.conns)
}

func (s *segment) activeCount() int {
	active := 0
	for _, pc := range s.conns {
		if pc.active {
			active++
		}
	}
	return active
}

// removeAll empties the segment and returns everything it held.
func (s *segment) removeAll() []*pooledConn {
	all := make([]*pooledConn, 0, len(s.conns))
	for _, pc := range s.conns {
		all = append(all, pc)
	}
	for _, pc := range all {
		s.remove(pc)
	}
	return all
}

func (s *segment) stats() ClassMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeCount()
	return ClassMetrics{
		Class:             s.class,
		MinConnections:    s.min,
		TotalConnections:  len(s.conns),
		ActiveConnections: active,
		IdleConnections:   len(s.conns) - active,
		PendingRequests:   s.waiters.len(),
	}
}
