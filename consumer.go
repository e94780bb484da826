package pulse

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	satori "github.com/satori/go.uuid"
)

// DefaultPrefetch is used when ConsumerConfig.Prefetch is left at zero.
const DefaultPrefetch = 5

var ccRouteHeader = regexp.MustCompile(`^route\.(.*)$`)

// Binding associates a queue with an exchange and routing-key pattern,
// plus an optional reference describing how to decode matching routing
// keys.
type Binding struct {
	Exchange            string
	RoutingKeyPattern   string
	RoutingKeyReference []KeyPart
}

// Message is what HandleMessage receives for every delivery.
type Message struct {
	// Payload is the delivery body, still JSON-encoded; the handler
	// decodes it into whatever type it expects.
	Payload json.RawMessage

	Exchange    string
	RoutingKey  string
	Redelivered bool

	// Routes lists the supplementary route names carried in the
	// delivery's CC header, stripped of the literal "route." prefix.
	Routes []string

	// Routing is populated only when the matching Binding carried a
	// RoutingKeyReference.
	Routing map[string]string
}

// ConsumerConfig configures Consume. Exactly one of QueueName or
// ExclusiveQueue must be set.
type ConsumerConfig struct {
	Manager *Manager

	// QueueName names a durable, shared queue. Mutually exclusive with
	// ExclusiveQueue.
	QueueName string

	// ExclusiveQueue selects an ephemeral, connection-scoped queue with a
	// fresh slug on every start. Mutually exclusive with QueueName.
	ExclusiveQueue bool

	Bindings []Binding

	// Prefetch bounds in-flight deliveries per channel. Defaults to
	// DefaultPrefetch.
	Prefetch int

	// MaxLength, when non-zero, is forwarded verbatim to the queue
	// declaration's x-max-length argument.
	MaxLength int

	HandleMessage func(ctx context.Context, msg Message) error

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (cfg *ConsumerConfig) validate() error {
	if cfg.Manager == nil {
		return errors.Wrap(ErrMissingConfig, "Manager is required")
	}
	if cfg.QueueName == "" && !cfg.ExclusiveQueue {
		return errors.Wrap(ErrMissingConfig, "one of QueueName or ExclusiveQueue is required")
	}
	if cfg.QueueName != "" && cfg.ExclusiveQueue {
		return errors.Wrap(ErrConflictingConfig, "QueueName and ExclusiveQueue are mutually exclusive")
	}
	if len(cfg.Bindings) == 0 {
		return errors.Wrap(ErrMissingConfig, "at least one Binding is required")
	}
	if cfg.HandleMessage == nil {
		return errors.Wrap(ErrMissingConfig, "HandleMessage is required")
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Consumer is the Topic Queue Consumer: it re-declares its queue and
// bindings on every new connection, drains deliveries with bounded
// concurrency, parses the routing key, and dispatches to the configured
// handler.
type Consumer struct {
	cfg      ConsumerConfig
	manager  *Manager
	queueArg amqp.Table

	// OnError is called with ErrExclusiveQueueDisconnected when an
	// exclusive queue's connection retires while the manager still runs.
	OnError func(error)

	mu          sync.Mutex
	running     bool
	channel     *amqp.Channel
	consumerTag string
	inFlight    int
	idleWaiter  chan struct{}
	handledIDs  map[uint64]bool

	unsubscribe func()
}

// Consume declares the configured queue and bindings once on a channel
// from Manager.WithChannel (so, when the manager already has an active
// connection, the queue exists before the caller returns, and before any
// publisher could race it), then subscribes to the manager's connected
// events and begins consuming on every connection for as long as Stop has
// not been called. With no active connection that initial declaration is
// skipped, and the queue is first declared when a connection comes up.
func Consume(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var maxLenArg amqp.Table
	if cfg.MaxLength > 0 {
		maxLenArg = amqp.Table{"x-max-length": cfg.MaxLength}
	}

	c := &Consumer{
		cfg:        cfg,
		manager:    cfg.Manager,
		queueArg:   maxLenArg,
		running:    true,
		handledIDs: make(map[uint64]bool),
	}

	if err := c.declareOnce(); err != nil {
		return nil, errors.Wrap(err, "pulse: initial queue declaration")
	}

	c.unsubscribe = c.manager.OnConnected(c.onConnected)

	if conn := c.manager.ActiveConnection(); conn != nil {
		go c.onConnected(conn)
	}

	return c, nil
}

// queueName returns this consumer's broker-qualified queue name, minting
// a fresh slug for an exclusive queue on every call (so each start() gets
// a queue nobody else can collide with).
func (c *Consumer) queueName() string {
	if c.cfg.QueueName != "" {
		return c.manager.FullObjectName("queue", c.cfg.QueueName)
	}
	slug := uuid.New().String()
	return c.manager.FullObjectName("queue", "exclusive/"+slug)
}

func (c *Consumer) declareOnce() error {
	return c.manager.WithChannel(func(ch *amqp.Channel) error {
		return c.declareAndBind(ch, c.queueName())
	})
}

func (c *Consumer) declareAndBind(ch *amqp.Channel, queueName string) error {
	if c.cfg.QueueName != "" {
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, c.queueArg); err != nil {
			return errors.Wrap(err, "declare durable queue")
		}
	} else {
		if _, err := ch.QueueDeclare(queueName, false, true, true, false, c.queueArg); err != nil {
			return errors.Wrap(err, "declare exclusive queue")
		}
	}

	for _, b := range c.cfg.Bindings {
		if err := ch.QueueBind(queueName, b.RoutingKeyPattern, b.Exchange, false, nil); err != nil {
			return errors.Wrap(err, "bind queue")
		}
	}

	return nil
}

// onConnected is the per-connection handler: it re-declares the queue and
// bindings, starts consuming, and arranges for a clean handoff when this
// connection retires.
func (c *Consumer) onConnected(conn *Connection) {
	c.mu.Lock()
	if !c.running || c.handledIDs[conn.ID()] {
		c.mu.Unlock()
		return
	}
	c.handledIDs[conn.ID()] = true
	c.mu.Unlock()

	handle := conn.AMQP()
	if handle == nil {
		return
	}

	ch, err := handle.Channel()
	if err != nil {
		c.manager.Monitor().ReportError(errors.Wrap(err, "pulse: open consumer channel"), map[string]interface{}{
			"queueName": c.cfg.QueueName,
		})
		conn.failed()
		return
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		c.manager.Monitor().ReportError(errors.Wrap(err, "pulse: set prefetch"), nil)
		conn.failed()
		return
	}

	queueName := c.queueName()

	if err := c.declareAndBind(ch, queueName); err != nil {
		c.manager.Monitor().ReportError(err, map[string]interface{}{"queueName": queueName})
		conn.failed()
		return
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if _, ok := <-closeCh; ok {
			conn.failed()
		}
	}()

	consumerTag := "pulse-" + satori.NewV4().String()[0:8]

	deliveries, err := ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		c.manager.Monitor().ReportError(errors.Wrap(err, "pulse: start consuming"), map[string]interface{}{"queueName": queueName})
		conn.failed()
		return
	}

	c.mu.Lock()
	c.channel = ch
	c.consumerTag = consumerTag
	c.mu.Unlock()

	c.cfg.Logger.Info("pulse: consuming", "queueName", queueName, "connectionID", conn.ID(), "consumerTag", consumerTag)

	go c.drain(deliveries, queueName, conn)

	go func() {
		<-conn.Retiring()
		c.onRetiring(ch, consumerTag)
	}()
}

// onRetiring cancels the consumer and closes the channel once in-flight
// work has drained; an exclusive queue additionally reports
// ErrExclusiveQueueDisconnected, since it cannot be recovered on the next
// connection.
func (c *Consumer) onRetiring(ch *amqp.Channel, consumerTag string) {
	_ = ch.Cancel(consumerTag, false)

	c.waitIdle()

	_ = ch.Close()

	c.mu.Lock()
	running := c.running
	if c.channel == ch {
		c.channel = nil
		c.consumerTag = ""
	}
	c.mu.Unlock()

	c.cfg.Logger.Info("pulse: consumer retiring", "consumerTag", consumerTag, "exclusive", c.cfg.ExclusiveQueue)

	// Silent when this consumer was told to stop, or the manager itself is
	// shutting down: both are planned, whole-system retirements. Only an
	// exclusive queue's connection dying out from under an otherwise live
	// consumer is the unrecoverable case worth reporting.
	if c.cfg.ExclusiveQueue && running && c.manager.Running() && c.OnError != nil {
		c.OnError(ErrExclusiveQueueDisconnected)
	}
}

func (c *Consumer) drain(deliveries <-chan amqp.Delivery, queueName string, conn *Connection) {
	for d := range deliveries {
		c.handleDelivery(d, queueName, conn)
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery, queueName string, conn *Connection) {
	c.incInFlight()
	defer c.decInFlight()

	msg, err := c.buildMessage(d)
	if err != nil {
		// Failure outside the handler call: the channel is presumed
		// poisoned, so the delivery is dropped rather than requeued and
		// the connection is recycled.
		c.manager.Monitor().ReportError(errors.Wrap(err, "pulse: decode delivery"), map[string]interface{}{
			"queueName":   queueName,
			"exchange":    d.Exchange,
			"redelivered": d.Redelivered,
		})
		_ = d.Nack(false, false)
		conn.failed()
		return
	}

	if err := c.cfg.HandleMessage(context.Background(), msg); err != nil {
		if !d.Redelivered {
			_ = d.Nack(false, true)
			return
		}

		_ = d.Nack(false, false)
		c.manager.Monitor().ReportError(err, map[string]interface{}{
			"queueName":   queueName,
			"exchange":    d.Exchange,
			"redelivered": d.Redelivered,
		})
		return
	}

	_ = d.Ack(false)
}

func (c *Consumer) buildMessage(d amqp.Delivery) (Message, error) {
	msg := Message{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Payload:     json.RawMessage(d.Body),
	}

	if !json.Valid(d.Body) {
		return Message{}, errors.New("delivery body is not valid JSON")
	}

	msg.Routes = extractRoutes(d.Headers)

	if ref := c.referenceFor(d.Exchange); ref != nil {
		routing, err := ParseRoutingKey(d.RoutingKey, ref)
		if err != nil {
			return Message{}, err
		}
		msg.Routing = routing
	}

	return msg, nil
}

func (c *Consumer) referenceFor(exchange string) []KeyPart {
	for _, b := range c.cfg.Bindings {
		if b.Exchange == exchange && b.RoutingKeyReference != nil {
			return b.RoutingKeyReference
		}
	}
	return nil
}

func extractRoutes(headers amqp.Table) []string {
	raw, ok := headers["CC"]
	if !ok {
		return nil
	}

	var routes []string
	switch v := raw.(type) {
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if m := ccRouteHeader.FindStringSubmatch(s); m != nil {
					routes = append(routes, m[1])
				}
			}
		}
	case []string:
		for _, s := range v {
			if m := ccRouteHeader.FindStringSubmatch(s); m != nil {
				routes = append(routes, m[1])
			}
		}
	}

	return routes
}

func (c *Consumer) incInFlight() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

func (c *Consumer) decInFlight() {
	c.mu.Lock()
	c.inFlight--
	waiter := c.idleWaiter
	n := c.inFlight
	c.mu.Unlock()

	if n == 0 && waiter != nil {
		close(waiter)
	}
}

// waitIdle blocks until the in-flight counter reaches zero.
func (c *Consumer) waitIdle() {
	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		return
	}
	waiter := make(chan struct{})
	c.idleWaiter = waiter
	c.mu.Unlock()

	<-waiter

	c.mu.Lock()
	c.idleWaiter = nil
	c.mu.Unlock()
}

// Stop is idempotent: it cancels the consumer (if any), waits for
// in-flight handlers to drain, and closes the channel. The queue and
// bindings are left on the broker.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	ch := c.channel
	tag := c.consumerTag
	c.mu.Unlock()

	c.cfg.Logger.Info("pulse: stopping consumer", "queueName", c.cfg.QueueName, "exclusive", c.cfg.ExclusiveQueue)

	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	if ch != nil && tag != "" {
		_ = ch.Cancel(tag, false)
	}

	c.waitIdle()

	if ch != nil {
		_ = ch.Close()
	}
}
