// Package hosts adapts real client drivers to the tpool.Factory and tpool.Handle
// interfaces, dialing a different target per connection class.
package hosts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/houseofcat/turbopool/pkg/tpool"
)

const (
	// AMQPDriver dials RabbitMQ with streadway/amqp.
	AMQPDriver = "amqp"

	// PgxDriver dials PostgreSQL with pgx.
	PgxDriver = "pgx"

	// MySQLDriver dials MySQL with go-sql-driver/mysql.
	MySQLDriver = "mysql"

	defaultDialTimeout = 5 * time.Second
	defaultHeartbeat   = 6 * time.Second
)

var (
	// ErrMissingCredentials is returned when no DSN/URI was configured for a class.
	ErrMissingCredentials = errors.New("no credentials configured for connection class")

	// ErrUnknownDriver is returned by NewFactory for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown driver")
)

// NewFactory builds the Factory named by config.Driver.
func NewFactory(config *tpool.HostConfig, applicationName string) (tpool.Factory, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: host config can't be nil", tpool.ErrInvalidConfig)
	}

	switch strings.ToLower(config.Driver) {
	case AMQPDriver:
		return NewAMQPFactory(config, applicationName)
	case PgxDriver, "postgres", "postgresql":
		return NewPgxFactory(config, applicationName)
	case MySQLDriver:
		return NewMySQLFactory(config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
	}
}

// credentials returns the DSN/URI for a class.
func credentials(config *tpool.HostConfig, class tpool.Class) (string, error) {
	dsn, ok := config.Credentials[class]
	if !ok || dsn == "" {
		return "", missingCredentials(class)
	}
	return dsn, nil
}

func missingCredentials(class tpool.Class) error {
	return fmt.Errorf("%w: %w (%s)", tpool.ErrConnectionCreationFailed, ErrMissingCredentials, class)
}

func dialTimeout(config *tpool.HostConfig) time.Duration {
	if config.DialTimeout == 0 {
		return defaultDialTimeout
	}
	return time.Duration(config.DialTimeout) * time.Millisecond
}

func connectionName(applicationName string, class tpool.Class, id uint64) string {
	return fmt.Sprintf("%s-%s-%d", applicationName, class, id)
}
