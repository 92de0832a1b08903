package hosts

import (
	"context"
	"errors"
	"fmt"

	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/jackc/pgx/v5"
)

// PgxFactory dials a single pgx.Conn per pooled connection. Read connections
// typically point at a replica and write connections at the primary.
type PgxFactory struct {
	configs map[tpool.Class]*pgx.ConnConfig
}

// NewPgxFactory parses every class's connection string up front.
func NewPgxFactory(config *tpool.HostConfig, applicationName string) (*PgxFactory, error) {
	factory := &PgxFactory{
		configs: make(map[tpool.Class]*pgx.ConnConfig, len(config.Credentials)),
	}

	tlsConfig, err := clientTLS(config)
	if err != nil {
		return nil, err
	}

	for class, dsn := range config.Credentials {
		connConfig, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: %s dsn: %v", tpool.ErrInvalidConfig, class, err)
		}

		connConfig.ConnectTimeout = dialTimeout(config)
		if tlsConfig != nil {
			connConfig.TLSConfig = tlsConfig.Clone()
			connConfig.Fallbacks = nil
		}
		if applicationName != "" {
			connConfig.RuntimeParams["application_name"] = fmt.Sprintf("%s-%s", applicationName, class)
		}

		factory.configs[class] = connConfig
	}

	return factory, nil
}

// CreateConnection connects with the class's parsed config.
func (pf *PgxFactory) CreateConnection(ctx context.Context, class tpool.Class) (tpool.Handle, error) {
	connConfig, ok := pf.configs[class]
	if !ok {
		return nil, missingCredentials(class)
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig.Copy())
	if err != nil {
		return nil, err
	}

	return &PgxHandle{Conn: conn}, nil
}

var errConnectionClosed = errors.New("connection is closed")

// PgxHandle is a pooled pgx.Conn.
type PgxHandle struct {
	Conn *pgx.Conn
}

// Probe pings the server.
func (h *PgxHandle) Probe(ctx context.Context) error {
	if h.Conn.IsClosed() {
		return errConnectionClosed
	}
	return h.Conn.Ping(ctx)
}

func (h *PgxHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	return h.Conn.Close(ctx)
}
