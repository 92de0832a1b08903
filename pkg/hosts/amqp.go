package hosts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/streadway/amqp"
)

// AMQPFactory dials one amqp.Connection per pooled connection.
type AMQPFactory struct {
	config          *tpool.HostConfig
	applicationName string
	tlsConfig       *tls.Config
	heartbeat       time.Duration
	timeout         time.Duration
	connectionID    atomic.Uint64
}

// NewAMQPFactory validates the per-class URIs and loads the TLS settings.
func NewAMQPFactory(config *tpool.HostConfig, applicationName string) (*AMQPFactory, error) {
	for class, uri := range config.Credentials {
		if _, err := amqp.ParseURI(uri); err != nil {
			return nil, fmt.Errorf("%w: %s uri: %v", tpool.ErrInvalidConfig, class, err)
		}
	}

	factory := &AMQPFactory{
		config:          config,
		applicationName: applicationName,
		heartbeat:       defaultHeartbeat,
		timeout:         dialTimeout(config),
	}

	if config.Heartbeat != 0 {
		factory.heartbeat = time.Duration(config.Heartbeat) * time.Second
	}

	var err error
	if factory.tlsConfig, err = clientTLS(config); err != nil {
		return nil, err
	}

	return factory, nil
}

// CreateConnection dials the class's URI.
func (af *AMQPFactory) CreateConnection(ctx context.Context, class tpool.Class) (tpool.Handle, error) {
	uri, err := credentials(af.config, class)
	if err != nil {
		return nil, err
	}

	amqpConfig := amqp.Config{
		Heartbeat: af.heartbeat,
		Dial:      amqp.DefaultDial(af.timeout),
		Properties: amqp.Table{
			"connection_name": connectionName(af.applicationName, class, af.connectionID.Add(1)),
		},
	}

	if af.tlsConfig != nil {
		amqpConfig.TLSClientConfig = af.tlsConfig
		uri = "amqps://" + af.config.TLSConfig.CertServerName
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}

	// DialConfig has no context, so a cancelled caller leaves the dial to finish in the background.
	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(uri, amqpConfig)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return newAMQPHandle(res.conn), nil
	case <-ctx.Done():
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// AMQPHandle is a pooled amqp.Connection. Callers type assert tpool.Handle to it.
type AMQPHandle struct {
	Connection *amqp.Connection
	errors     chan *amqp.Error
	blockers   chan amqp.Blocking
	blocked    atomic.Bool
}

func newAMQPHandle(conn *amqp.Connection) *AMQPHandle {
	handle := &AMQPHandle{
		Connection: conn,
		errors:     make(chan *amqp.Error, 1),
		blockers:   make(chan amqp.Blocking, 1),
	}

	handle.Connection.NotifyClose(handle.errors)
	handle.Connection.NotifyBlocked(handle.blockers)

	go handle.watchBlockers()
	return handle
}

// watchBlockers tracks flow control until the connection closes the channel.
func (h *AMQPHandle) watchBlockers() {
	for blocking := range h.blockers {
		h.blocked.Store(blocking.Active)
	}
}

// Probe fails once the broker closed the connection or is applying flow control,
// otherwise it opens and closes a channel.
func (h *AMQPHandle) Probe(ctx context.Context) error {
	select {
	case amqpErr := <-h.errors:
		if amqpErr == nil {
			return amqp.ErrClosed
		}
		return amqpErr
	default:
	}

	if h.Connection.IsClosed() {
		return amqp.ErrClosed
	}
	if h.blocked.Load() {
		return errors.New("connection is blocked by the broker")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	channel, err := h.Connection.Channel()
	if err != nil {
		return err
	}
	return channel.Close()
}

func (h *AMQPHandle) Close() error {
	if h.Connection.IsClosed() {
		return nil
	}
	return h.Connection.Close()
}

// Channel opens a channel on the pooled connection.
func (h *AMQPHandle) Channel() (*amqp.Channel, error) {
	return h.Connection.Channel()
}
