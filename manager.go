package pulse

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/pulse/pulsecred"
)

const (
	// heartbeatInterval is the AMQP heartbeat used on every dial.
	heartbeatInterval = 120 * time.Second

	// dialTimeout bounds how long a single dial attempt may take.
	dialTimeout = 30 * time.Second

	// DefaultRecycleInterval is how often the manager cycles its
	// connection even absent any failure, to exercise the reconnect path.
	DefaultRecycleInterval = time.Hour

	// DefaultRetirementDelay is the grace period a retiring Connection
	// waits before its AMQP handle is closed.
	DefaultRetirementDelay = 30 * time.Second

	// DefaultMinReconnectionInterval is the minimum gap enforced between
	// two successive dial attempts.
	DefaultMinReconnectionInterval = 15 * time.Second
)

// ManagerConfig configures a Manager. Exactly one of ConnectionString, the
// static Username/Password/Hostname/Vhost fields, or Credentials must be
// supplied.
type ManagerConfig struct {
	// ConnectionString, when set, is wrapped with pulsecred.ConnectionString.
	ConnectionString string

	// Username, Password, Hostname, Vhost, when set, are wrapped with
	// pulsecred.Static. Mutually exclusive with ConnectionString.
	Username string
	Password string
	Hostname string
	Vhost    string

	// Credentials, when set, is used as-is. Mutually exclusive with the
	// fields above.
	Credentials pulsecred.Provider

	// Monitor receives user-observable errors. Defaults to NoopMonitor.
	Monitor Monitor

	// Logger, when set, receives structured lifecycle logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	RecycleInterval         time.Duration
	RetirementDelay         time.Duration
	MinReconnectionInterval time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.RecycleInterval == 0 {
		c.RecycleInterval = DefaultRecycleInterval
	}
	if c.RetirementDelay == 0 {
		c.RetirementDelay = DefaultRetirementDelay
	}
	if c.MinReconnectionInterval == 0 {
		c.MinReconnectionInterval = DefaultMinReconnectionInterval
	}
	if c.Monitor == nil {
		c.Monitor = NoopMonitor{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *ManagerConfig) resolveProvider() (pulsecred.Provider, error) {
	staticFieldsSet := c.Username != "" || c.Password != "" || c.Hostname != "" || c.Vhost != ""

	sourceCount := 0
	if c.ConnectionString != "" {
		sourceCount++
	}
	if staticFieldsSet {
		sourceCount++
	}
	if c.Credentials != nil {
		sourceCount++
	}

	if sourceCount > 1 {
		return nil, errors.Wrap(ErrConflictingConfig, "exactly one of ConnectionString, Username/Password/Hostname/Vhost, or Credentials may be set")
	}

	switch {
	case c.Credentials != nil:
		return c.Credentials, nil
	case c.ConnectionString != "":
		return pulsecred.ConnectionString(c.ConnectionString)
	case staticFieldsSet:
		return pulsecred.Static(pulsecred.StaticOptions{
			Username: c.Username,
			Password: c.Password,
			Hostname: c.Hostname,
			Vhost:    c.Vhost,
		})
	default:
		return nil, errors.Wrap(ErrMissingConfig, "one of ConnectionString, Username/Password/Hostname/Vhost, or Credentials is required")
	}
}

type cmdKind int

const (
	cmdRecycle cmdKind = iota
	cmdStop
	cmdFailed
	cmdConnected
	cmdFinished
	cmdDial
)

type command struct {
	kind  cmdKind
	id    uint64
	reply chan struct{}
}

// Manager is the Connection Manager: it owns a sequence of Connections,
// holding at most one connected at a time, schedules periodic and
// failure-driven recycles, and rate-limits reconnection attempts.
//
// All mutation of the Manager's own state happens inside a single actor
// goroutine (the loop) fed by cmdCh, so state transitions are always
// serialized. External reads (ActiveConnection, Running) take the
// RWMutex instead of round-tripping through the actor, which is safe
// because the actor is the only writer of the fields it guards. The
// namespace (read by FullObjectName) has its own mutex instead, since
// ensureNamespace may fill it in from a Connection's dial goroutine.
type Manager struct {
	provider pulsecred.Provider
	monitor  Monitor
	logger   *slog.Logger

	recycleInterval         time.Duration
	retireDelay             time.Duration
	minReconnectionInterval time.Duration

	cmdCh  chan command
	quit   chan struct{}
	doneCh chan struct{}

	mu           sync.RWMutex
	connections  []*Connection // newest-first
	nextID       uint64
	lastConnTime time.Time
	running      bool
	stopSnapshot []*Connection // every Connection ever created, captured by handleStop

	nsMu      sync.Mutex
	namespace string

	subMu     sync.Mutex
	subs      map[uint64]func(*Connection)
	nextSubID uint64

	tickerDone chan struct{}

	recycleTimerMu sync.Mutex
	recycleTimer   *time.Timer
}

// NewManager constructs and starts a Manager: it validates cfg, derives
// the namespace, kicks off an immediate recycle() to dial the first
// Connection, and arms the periodic recycle timer.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	provider, err := cfg.resolveProvider()
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m := &Manager{
		provider:                provider,
		monitor:                 cfg.Monitor,
		logger:                  cfg.Logger,
		recycleInterval:         cfg.RecycleInterval,
		retireDelay:             cfg.RetirementDelay,
		minReconnectionInterval: cfg.MinReconnectionInterval,
		cmdCh:                   make(chan command, 16),
		quit:                    make(chan struct{}),
		doneCh:                  make(chan struct{}),
		running:                 true,
		subs:                    make(map[uint64]func(*Connection)),
		tickerDone:              make(chan struct{}),
	}

	if hint, ok := provider.(pulsecred.NamespaceHint); ok {
		m.namespace = hint.Namespace()
	}

	go m.loop()
	go m.tick()

	_ = m.Recycle()

	return m, nil
}

func (m *Manager) tick() {
	ticker := time.NewTicker(m.recycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.Recycle()
		case <-m.tickerDone:
			return
		}
	}
}

func (m *Manager) loop() {
	for {
		select {
		case cmd := <-m.cmdCh:
			switch cmd.kind {
			case cmdRecycle:
				m.handleRecycle()
			case cmdStop:
				m.handleStop()
			case cmdFailed:
				m.handleRecycle()
			case cmdConnected:
				m.handleConnected(cmd.id)
			case cmdFinished:
				m.handleFinished(cmd.id)
			case cmdDial:
				m.handleDial(cmd.id)
			}
			if cmd.reply != nil {
				close(cmd.reply)
			}
		case <-m.quit:
			close(m.doneCh)
			return
		}
	}
}

// enqueue delivers cmd to the actor loop. It never blocks past the
// manager's lifetime: once the loop has exited, sends become no-ops
// instead of leaking a goroutine waiting on a full channel.
func (m *Manager) enqueue(cmd command) {
	select {
	case m.cmdCh <- cmd:
	case <-m.doneCh:
	}
}

// enqueueSync delivers a command and waits for the actor to finish handling
// it. It returns ErrManagerStopped, instead of blocking forever, if the
// manager has already stopped -- whether that was already true when this
// call started, or becomes true while the command is in flight (the actor
// may exit with the command still sitting unprocessed in cmdCh's buffer).
func (m *Manager) enqueueSync(kind cmdKind) error {
	select {
	case <-m.doneCh:
		return ErrManagerStopped
	default:
	}

	reply := make(chan struct{})
	select {
	case m.cmdCh <- command{kind: kind, reply: reply}:
	case <-m.doneCh:
		return ErrManagerStopped
	}

	select {
	case <-reply:
		return nil
	case <-m.doneCh:
		return ErrManagerStopped
	}
}

func (m *Manager) handleRecycle() {
	m.mu.Lock()
	var current *Connection
	if len(m.connections) > 0 {
		current = m.connections[0]
	}
	running := m.running
	m.mu.Unlock()

	if current != nil {
		current.retire()
	}

	if !running {
		return
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	conn := newConnection(id, m, m.logger)
	m.connections = append([]*Connection{conn}, m.connections...)
	lastConnTime := m.lastConnTime
	m.mu.Unlock()

	delay := time.Until(lastConnTime.Add(m.minReconnectionInterval))
	if delay < 0 {
		delay = 0
	}

	time.AfterFunc(delay, func() {
		m.enqueue(command{kind: cmdDial, id: id})
	})
}

func (m *Manager) handleDial(id uint64) {
	conn := m.findConnection(id)
	if conn == nil {
		return
	}

	m.mu.Lock()
	m.lastConnTime = time.Now()
	m.mu.Unlock()

	go conn.connect()
}

func (m *Manager) handleConnected(id uint64) {
	conn := m.findConnection(id)
	if conn == nil {
		return
	}

	if recycleAfter := conn.RecycleAfter(); recycleAfter > 0 && recycleAfter < m.recycleInterval {
		m.armRecycleTimer(recycleAfter)
	}

	m.subMu.Lock()
	handlers := make([]func(*Connection), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.subMu.Unlock()

	// Subscribers (consumers) run declare/bind/consume against the broker,
	// which suspends; dispatch off the actor loop so a slow subscriber
	// never stalls processing of other connections' commands.
	for _, fn := range handlers {
		go fn(conn)
	}
}

// armRecycleTimer schedules a one-off Recycle() after d, cancelling
// whichever such timer, if any, is already pending -- only the most
// recently connected Connection's credential-recycle hint should fire.
func (m *Manager) armRecycleTimer(d time.Duration) {
	m.recycleTimerMu.Lock()
	defer m.recycleTimerMu.Unlock()
	if m.recycleTimer != nil {
		m.recycleTimer.Stop()
	}
	m.recycleTimer = time.AfterFunc(d, func() { _ = m.Recycle() })
}

func (m *Manager) cancelRecycleTimer() {
	m.recycleTimerMu.Lock()
	defer m.recycleTimerMu.Unlock()
	if m.recycleTimer != nil {
		m.recycleTimer.Stop()
		m.recycleTimer = nil
	}
}

func (m *Manager) handleFinished(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, conn := range m.connections {
		if conn.ID() == id {
			m.connections = append(m.connections[:i], m.connections[i+1:]...)
			return
		}
	}
}

// handleStop is idempotent against a second cmdStop -- concurrent Stop()
// callers can both land here, and only the first may act. It captures the
// final connection list (nothing can be added to it afterwards, since
// running is now false and handleRecycle refuses to dial once it is) so
// Stop() waits on exactly the Connections that actually exist, instead of
// a snapshot taken outside the actor that a racing cmdRecycle could have
// already invalidated.
func (m *Manager) handleStop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	current := (*Connection)(nil)
	if len(m.connections) > 0 {
		current = m.connections[0]
	}
	m.stopSnapshot = make([]*Connection, len(m.connections))
	copy(m.stopSnapshot, m.connections)
	m.mu.Unlock()

	close(m.tickerDone)
	m.cancelRecycleTimer()

	if current != nil {
		current.retire()
	}

	close(m.quit)
}

func (m *Manager) findConnection(id uint64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		if conn.ID() == id {
			return conn
		}
	}
	return nil
}

// Recycle retires the current connection, if any, and -- while the
// manager is running -- opens a replacement, gated by
// MinReconnectionInterval since the last dial attempt. It returns
// ErrManagerStopped if the manager has already stopped.
func (m *Manager) Recycle() error {
	return m.enqueueSync(cmdRecycle)
}

// Stop retires the current connection and opens no replacement, then
// blocks until every Connection the manager ever created has reached
// StateFinished. It is safe to call more than once, or concurrently;
// every call after the first returns once the first has finished. It
// returns ErrManagerStopped only if the manager had already fully
// stopped (the actor loop has exited) before this call began.
func (m *Manager) Stop() error {
	select {
	case <-m.doneCh:
		return ErrManagerStopped
	default:
	}

	// The actor loop only exits through handleStop, which fills
	// stopSnapshot first, so the snapshot below is complete whether or not
	// enqueueSync saw the loop exit before it saw this command's reply.
	_ = m.enqueueSync(cmdStop)

	m.mu.RLock()
	snapshot := m.stopSnapshot
	m.mu.RUnlock()

	for _, conn := range snapshot {
		<-conn.Finished()
	}

	<-m.doneCh
	return nil
}

// Running reports whether the manager is still running -- false once
// Stop() has begun retiring connections for the last time, as opposed to
// an ordinary failure-driven or periodic recycle of a single connection.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ActiveConnection returns the newest Connection iff it is currently
// StateConnected, else nil.
func (m *Manager) ActiveConnection() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.connections) == 0 {
		return nil
	}
	head := m.connections[0]
	if head.State() != StateConnected {
		return nil
	}
	return head
}

// OnConnected registers fn to be called, on its own goroutine, whenever a
// new Connection reaches StateConnected; subscribers may run concurrently
// with one another. The returned func removes the subscription.
func (m *Manager) OnConnected(fn func(*Connection)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// WithConnection runs fn(conn) now if a Connection is already active, or
// on the next connected event otherwise. fn runs at most once.
func (m *Manager) WithConnection(fn func(*Connection)) {
	var once sync.Once
	var unsubscribe func()

	invoke := func(conn *Connection) {
		once.Do(func() {
			if unsubscribe != nil {
				unsubscribe()
			}
			fn(conn)
		})
	}

	unsubscribe = m.OnConnected(invoke)

	if conn := m.ActiveConnection(); conn != nil {
		invoke(conn)
	}
}

// channelOptions configure WithChannel.
type channelOptions struct {
	confirm bool
}

// ChannelOption customizes WithChannel.
type ChannelOption func(*channelOptions)

// WithConfirmChannel puts the opened channel into publisher-confirm mode.
func WithConfirmChannel() ChannelOption {
	return func(o *channelOptions) { o.confirm = true }
}

// WithChannel opens a channel on the active connection, runs fn, and
// best-effort closes the channel on every exit path -- the close is
// deferred, so it also runs while a panic in fn propagates -- and fn's
// failures never leak a channel. If there is no active connection, or the channel cannot be
// opened (the broker may be mid-reconnect), this is a silent no-op:
// callers must tolerate that.
func (m *Manager) WithChannel(fn func(*amqp.Channel) error, opts ...ChannelOption) error {
	var cfg channelOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	conn := m.ActiveConnection()
	if conn == nil {
		return nil
	}

	handle := conn.AMQP()
	if handle == nil {
		return nil
	}

	ch, err := handle.Channel()
	if err != nil {
		m.logger.Warn("pulse: unable to open channel, skipping", "error", err)
		return nil
	}
	defer func() { _ = ch.Close() }()

	if cfg.confirm {
		if err := ch.Confirm(false); err != nil {
			return errors.Wrap(err, "pulse: enable publisher confirms")
		}
	}

	return fn(ch)
}

// FullObjectName returns "kind/namespace/name" for this manager's namespace.
func (m *Manager) FullObjectName(kind, name string) string {
	return ObjectName(kind, m.Namespace(), name)
}

// Monitor returns the configured Monitor (NoopMonitor if none was given).
func (m *Manager) Monitor() Monitor {
	return m.monitor
}

// Logger returns the manager's structured logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Namespace returns the namespace derived from the credential provider.
func (m *Manager) Namespace() string {
	m.nsMu.Lock()
	defer m.nsMu.Unlock()
	return m.namespace
}

func (m *Manager) ensureNamespace(connectionString string) {
	m.nsMu.Lock()
	defer m.nsMu.Unlock()
	if m.namespace != "" {
		return
	}
	u, err := url.Parse(connectionString)
	if err != nil || u.User == nil {
		return
	}
	m.namespace = u.User.Username()
}

// --- connHost ---

func (m *Manager) dialInfo(ctx context.Context) (dialParams, error) {
	creds, err := m.provider.Fetch(ctx)
	if err != nil {
		return dialParams{}, errors.Wrap(err, "pulse: fetch credentials")
	}

	m.ensureNamespace(creds.ConnectionString)

	return dialParams{
		connectionString: creds.ConnectionString,
		heartbeat:        heartbeatInterval,
		dialTimeout:      dialTimeout,
		recycleAfter:     creds.RecycleAfter,
	}, nil
}

func (m *Manager) retirementDelay() time.Duration {
	return m.retireDelay
}

func (m *Manager) enqueueFailed(id uint64) {
	m.enqueue(command{kind: cmdFailed, id: id})
}

func (m *Manager) enqueueConnected(id uint64) {
	m.enqueue(command{kind: cmdConnected, id: id})
}

func (m *Manager) enqueueFinished(id uint64) {
	m.enqueue(command{kind: cmdFinished, id: id})
}
