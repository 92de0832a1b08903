package hosts

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/houseofcat/turbopool/pkg/tpool"
)

// mysqlTLSName is the key the host's TLS config is registered under with the driver.
const mysqlTLSName = "turbopool"

// MySQLFactory opens a single driver connection per pooled connection,
// bypassing database/sql's own pool.
type MySQLFactory struct {
	connectors map[tpool.Class]driver.Connector
}

// NewMySQLFactory parses every class's DSN up front.
func NewMySQLFactory(config *tpool.HostConfig) (*MySQLFactory, error) {
	factory := &MySQLFactory{
		connectors: make(map[tpool.Class]driver.Connector, len(config.Credentials)),
	}

	tlsConfig, err := clientTLS(config)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		if err = mysql.RegisterTLSConfig(mysqlTLSName, tlsConfig); err != nil {
			return nil, fmt.Errorf("%w: TLSConfig %v", tpool.ErrInvalidConfig, err)
		}
	}

	for class, dsn := range config.Credentials {
		mysqlConfig, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: %s dsn: %v", tpool.ErrInvalidConfig, class, err)
		}

		mysqlConfig.Timeout = dialTimeout(config)
		if tlsConfig != nil {
			mysqlConfig.TLSConfig = mysqlTLSName
		}

		connector, err := mysql.NewConnector(mysqlConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: %s dsn: %v", tpool.ErrInvalidConfig, class, err)
		}

		factory.connectors[class] = connector
	}

	return factory, nil
}

// CreateConnection dials with the class's connector.
func (mf *MySQLFactory) CreateConnection(ctx context.Context, class tpool.Class) (tpool.Handle, error) {
	connector, ok := mf.connectors[class]
	if !ok {
		return nil, missingCredentials(class)
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	return &MySQLHandle{Conn: conn}, nil
}

// MySQLHandle is a pooled MySQL driver connection.
type MySQLHandle struct {
	Conn driver.Conn
}

// Probe pings the server.
func (h *MySQLHandle) Probe(ctx context.Context) error {
	pinger, ok := h.Conn.(driver.Pinger)
	if !ok {
		return errors.New("mysql connection does not support ping")
	}
	return pinger.Ping(ctx)
}

func (h *MySQLHandle) Close() error {
	return h.Conn.Close()
}
