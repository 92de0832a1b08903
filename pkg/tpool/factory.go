package tpool

import "context"

// Handle is the lower-level client connection the pool manages.
type Handle interface {
	// Probe performs a cheap liveness check against the remote service.
	Probe(ctx context.Context) error

	// Close releases the underlying resources. The pool calls it exactly once.
	Close() error
}

// Factory creates new connections for a class.
type Factory interface {
	CreateConnection(ctx context.Context, class Class) (Handle, error)
}

// FactoryFunc lets an ordinary function act as a Factory.
type FactoryFunc func(ctx context.Context, class Class) (Handle, error)

// CreateConnection calls f(ctx, class).
func (f FactoryFunc) CreateConnection(ctx context.Context, class Class) (Handle, error) {
	return f(ctx, class)
}
