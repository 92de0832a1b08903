package tpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// pooledConn is the pool's record for a single connection. The bool and time
// fields are guarded by the owning segment's mutex.
type pooledConn struct {
	id        uuid.UUID
	class     Class
	handle    Handle
	createdAt time.Time

	active     bool
	probing    bool
	destroyed  bool
	lastUsedAt time.Time

	useCount  atomic.Uint64
	epoch     atomic.Uint64
	closeOnce sync.Once
}

func newPooledConn(class Class, handle Handle) *pooledConn {
	now := time.Now()
	return &pooledConn{
		id:         uuid.New(),
		class:      class,
		handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// idle reports whether the connection can be handed out. Caller holds the segment lock.
func (pc *pooledConn) idle() bool {
	return !pc.active && !pc.probing && !pc.destroyed
}

// checkout marks the connection active for a new caller and returns its lease. Caller holds the segment lock.
func (pc *pooledConn) checkout() *Connection {
	now := time.Now()
	pc.active = true
	pc.lastUsedAt = now
	pc.useCount.Add(1)

	return &Connection{
		conn:       pc,
		epoch:      pc.epoch.Add(1),
		acquiredAt: now,
	}
}

// checkin ends the current lease. Caller holds the segment lock.
func (pc *pooledConn) checkin() {
	pc.active = false
	pc.lastUsedAt = time.Now()
	pc.epoch.Add(1)
}

// Connection is a single checkout of a pooled connection. It is only valid
// until it is released or reclaimed by the pool.
type Connection struct {
	conn       *pooledConn
	epoch      uint64
	acquiredAt time.Time
}

// ID returns the pooled connection's identifier.
func (c *Connection) ID() uuid.UUID {
	return c.conn.id
}

// Class returns the class the connection serves.
func (c *Connection) Class() Class {
	return c.conn.class
}

// CreatedAt returns when the underlying connection was created.
func (c *Connection) CreatedAt() time.Time {
	return c.conn.createdAt
}

// AcquiredAt returns when this checkout started.
func (c *Connection) AcquiredAt() time.Time {
	return c.acquiredAt
}

// UseCount returns how many times the underlying connection has been checked out.
func (c *Connection) UseCount() uint64 {
	return c.conn.useCount.Load()
}

// Valid reports whether this checkout still owns the connection.
func (c *Connection) Valid() bool {
	return c != nil && c.conn.epoch.Load() == c.epoch
}

// Handle returns the underlying client connection, or ErrConnectionReclaimed
// once the checkout has been released or reclaimed.
func (c *Connection) Handle() (Handle, error) {
	if !c.Valid() {
		return nil, ErrConnectionReclaimed
	}
	return c.conn.handle, nil
}
