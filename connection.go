package pulse

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateWaiting ConnState = iota
	StateConnecting
	StateConnected
	StateRetiring
	StateFinished
)

func (s ConnState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetiring:
		return "retiring"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// dialParams is what a connHost hands a Connection for each dial attempt.
// It is re-fetched on every connect(), since a credential provider may
// return a fresh connection string (and recycle hint) each time it is
// invoked.
type dialParams struct {
	connectionString string
	heartbeat        time.Duration
	dialTimeout      time.Duration
	recycleAfter     time.Duration
}

// connHost is the narrow seam a Connection uses to talk back to its owning
// Manager. Carrying this interface (and the Connection's numeric id)
// instead of a direct *Manager pointer keeps the cyclic manager/Connection
// reference at arm's length, per the arena-style ownership the Connection
// Manager is built around: the Manager owns the table of Connections keyed
// by id, a Connection only ever reaches back through this seam.
type connHost interface {
	dialInfo(ctx context.Context) (dialParams, error)
	retirementDelay() time.Duration
	enqueueFailed(id uint64)
	enqueueConnected(id uint64)
	enqueueFinished(id uint64)
}

// Connection is a single AMQP session in a small state machine. It is
// created and owned exclusively by a Manager; everyone else only ever
// holds a reference delivered through a connected event, never ownership.
type Connection struct {
	id   uint64
	host connHost

	mu           sync.Mutex
	state        ConnState
	amqp         *amqp.Connection
	recycleAfter time.Duration

	connectedCh chan struct{}
	retiringCh  chan struct{}
	finishedCh  chan struct{}

	logger *slog.Logger
}

func newConnection(id uint64, host connHost, logger *slog.Logger) *Connection {
	return &Connection{
		id:          id,
		host:        host,
		connectedCh: make(chan struct{}),
		retiringCh:  make(chan struct{}),
		finishedCh:  make(chan struct{}),
		logger:      logger,
	}
}

// ID returns the Connection's manager-assigned, monotonically increasing id.
func (c *Connection) ID() uint64 {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AMQP returns the live handle, or nil unless State() == StateConnected.
func (c *Connection) AMQP() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.amqp
}

// RecycleAfter returns the recycle hint the credential provider returned
// for this Connection's dial, or 0 if none was given.
func (c *Connection) RecycleAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recycleAfter
}

// Connected is closed once the Connection reaches StateConnected. It never
// fires more than once for a given Connection.
func (c *Connection) Connected() <-chan struct{} { return c.connectedCh }

// Retiring is closed once retire() begins; it precedes Finished.
func (c *Connection) Retiring() <-chan struct{} { return c.retiringCh }

// Finished is closed once the Connection's AMQP handle has been closed and
// the retirement grace period has elapsed.
func (c *Connection) Finished() <-chan struct{} { return c.finishedCh }

// connect dials the broker. It is only meaningful from StateWaiting; any
// other state makes this a no-op.
func (c *Connection) connect() {
	c.mu.Lock()
	if c.state != StateWaiting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	params, err := c.host.dialInfo(context.Background())
	if err != nil {
		c.logf(slog.LevelWarn, "unable to obtain credentials", "id", c.id, "error", err)
		c.failed()
		return
	}

	c.mu.Lock()
	c.recycleAfter = params.recycleAfter
	c.mu.Unlock()

	cfg := amqp.Config{
		Heartbeat: params.heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: params.dialTimeout}
			conn, err := d.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	c.logf(slog.LevelInfo, "dialing broker", "id", c.id)

	handle, err := amqp.DialConfig(params.connectionString, cfg)
	if err != nil {
		c.logf(slog.LevelWarn, "dial failed", "id", c.id, "error", err)
		c.failed()
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Retired while the dial was in flight: discard the handle we just
		// established, it belongs to nobody now.
		c.mu.Unlock()
		_ = handle.Close()
		return
	}
	c.amqp = handle
	c.state = StateConnected
	close(c.connectedCh)
	c.mu.Unlock()

	c.logf(slog.LevelInfo, "connected", "id", c.id)

	closeCh := handle.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closeCh; ok {
			c.logf(slog.LevelWarn, "connection closed unexpectedly", "id", c.id, "error", amqpErr)
		}
		c.failed()
	}()

	c.host.enqueueConnected(c.id)
}

// failed is a no-op once retiring or finished; otherwise it asks the
// manager to recycle. It never mutates state directly -- the state
// transition to retiring only happens through the retire() the manager's
// recycle() eventually issues.
func (c *Connection) failed() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateRetiring || state == StateFinished {
		return
	}

	c.host.enqueueFailed(c.id)
}

// retire is idempotent against retiring/finished. It closes the AMQP
// handle (ignoring any error) after the retirement grace period, to let
// in-flight work drain.
func (c *Connection) retire() {
	c.mu.Lock()
	if c.state == StateRetiring || c.state == StateFinished {
		c.mu.Unlock()
		return
	}
	c.state = StateRetiring
	handle := c.amqp
	close(c.retiringCh)
	c.mu.Unlock()

	c.logf(slog.LevelInfo, "retiring", "id", c.id)

	delay := c.host.retirementDelay()

	go func() {
		time.Sleep(delay)

		if handle != nil {
			_ = handle.Close()
		}

		c.mu.Lock()
		c.amqp = nil
		c.state = StateFinished
		close(c.finishedCh)
		c.mu.Unlock()

		c.logf(slog.LevelInfo, "finished", "id", c.id)

		c.host.enqueueFinished(c.id)
	}()
}

func (c *Connection) logf(level slog.Level, msg string, args ...any) {
	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, msg, args...)
}
