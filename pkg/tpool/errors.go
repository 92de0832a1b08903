package tpool

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by NewPool when the PoolConfig fails validation.
	// You can check for this error with errors.Is.
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrConnectionCreationFailed is returned when the Factory can't create a connection
	// or the new connection fails its first probe.
	ErrConnectionCreationFailed = errors.New("connection creation failed")

	// ErrAcquisitionTimeout is returned when no connection became available within the ConnectionTimeout.
	ErrAcquisitionTimeout = errors.New("timed out waiting for a connection")

	// ErrPoolShuttingDown is returned once Shutdown has been triggered.
	ErrPoolShuttingDown = errors.New("connection pool is shutting down")

	// ErrConnectionReclaimed is returned when a checkout is used after the pool took the connection back.
	ErrConnectionReclaimed = errors.New("connection was reclaimed by the pool")

	// ErrUnknownClass is returned when a class was not configured on the pool.
	ErrUnknownClass = errors.New("unknown connection class")
)

// PoolError adds the operation and class to an error raised by the pool.
type PoolError struct {
	Op    string
	Class Class
	Err   error
}

func (e *PoolError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("connection pool %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection pool %s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

func invalidConfig(field string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

// creationFailed keeps factory errors that already match ErrConnectionCreationFailed intact.
func creationFailed(class Class, err error) error {
	if !errors.Is(err, ErrConnectionCreationFailed) {
		err = fmt.Errorf("%w: %w", ErrConnectionCreationFailed, err)
	}
	return &PoolError{Op: "create", Class: class, Err: err}
}
