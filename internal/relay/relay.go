// Package relay keeps one rcon connection per configured game server,
// restores the log forwarding settings on the servers and hands the
// parsed log events to the registered sinks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/dalnet/rconbridge/internal/metrics"
	"github.com/dalnet/rconbridge/internal/rcon"
	"github.com/dalnet/rconbridge/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultCheckInterval = time.Minute

// ErrUnknownServer is returned for names missing from the configuration
var ErrUnknownServer = errors.New("relay: unknown server")

// Sink receives relayed events
type Sink interface {
	Relay(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// Relay calls f
func (f SinkFunc) Relay(ev Event) { f(ev) }

// Status describes a connection for listings
type Status struct {
	Name       string
	Protocol   string
	Address    string
	Channel    string
	Connected  bool
	Security   string
	Hostname   string
	Map        string
	Players    int
	MaxPlayers int // 0 until the server reported its status
	Pending    int
}

// remote is the part of the rcon connections used by the relay
type remote interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect(ctx context.Context) error
	Connected() bool
	Rcon(command string) error
	LocalAddr() net.Addr
	Server() rcon.Server
	Pending() []rcon.PendingCommand
}

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the UDP dialer of every connection
func WithDialer(d rcon.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithCheckInterval sets how often connections are checked and restored
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBots relays join and part lines of bots
func WithBots(bots bool) Option {
	return func(m *Manager) {
		m.bots = bots
	}
}

// Manager owns the connections to every configured server
type Manager struct {
	journal  *storage.Journal
	dialer   rcon.Dialer
	interval time.Duration
	bots     bool

	conns map[string]*Connection
	names []string

	sinkMu sync.RWMutex
	sinks  []Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a connection for every server. journal may be nil.
func NewManager(servers []config.ServerConfig, journal *storage.Journal, opts ...Option) (*Manager, error) {
	m := &Manager{
		journal:  journal,
		interval: defaultCheckInterval,
		conns:    make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, sc := range servers {
		if _, dup := m.conns[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", sc.Name)
		}
		c, err := m.newConnection(sc)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", sc.Name, err)
		}
		m.conns[sc.Name] = c
		m.names = append(m.names, sc.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

// AddSink registers a sink for every later event
func (m *Manager) AddSink(s Sink) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinkMu.Unlock()
}

// Start connects every server and starts the periodic check. Servers
// that cannot be reached are retried by the check.
func (m *Manager) Start(ctx context.Context) {
	for _, name := range m.names {
		c := m.conns[name]
		if err := c.remote.Connect(ctx); err != nil {
			c.log.WithError(err).Warn("Could not connect, will retry")
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.janitor(ctx)
}

// Stop ends the periodic check, disconnects every server and flushes
// the journal
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	for _, name := range m.names {
		m.conns[name].remote.Disconnect()
	}
	m.flush()
}

// Connection returns the connection named name
func (m *Manager) Connection(name string) (*Connection, error) {
	c, ok := m.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return c, nil
}

// Rcon runs command on the server named name
func (m *Manager) Rcon(name, command string) error {
	c, err := m.Connection(name)
	if err != nil {
		return err
	}
	return c.remote.Rcon(command)
}

// Say shows a chat message from an outside user on the server
func (m *Manager) Say(name, from, text string) error {
	c, err := m.Connection(name)
	if err != nil {
		return err
	}
	return c.remote.Rcon(fmt.Sprintf(`say "%s^7: %s"`, quote(from), quote(text)))
}

// Reconnect closes and reopens the connection to the server named name
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	c, err := m.Connection(name)
	if err != nil {
		return err
	}
	return c.remote.Reconnect(ctx)
}

// Watch calls fn with every log line of the server named name until the
// returned function is called
func (m *Manager) Watch(name string, fn func(line string)) (func(), error) {
	c, err := m.Connection(name)
	if err != nil {
		return nil, err
	}
	return c.Watch(fn), nil
}

// Recent returns up to n journal lines of the server named name
func (m *Manager) Recent(name string, n int) ([]string, error) {
	if _, err := m.Connection(name); err != nil {
		return nil, err
	}
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.Recent(name, n)
}

// Servers returns the status of every connection sorted by name
func (m *Manager) Servers() []Status {
	out := make([]Status, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.conns[name].Status())
	}
	return out
}

// Channel returns the chat channel configured for the server named name
func (m *Manager) Channel(name string) string {
	if c, ok := m.conns[name]; ok {
		return c.cfg.Channel
	}
	return ""
}

func (m *Manager) emit(ev Event) {
	metrics.RelayEvents.WithLabelValues(ev.Server, string(ev.Kind)).Inc()

	m.sinkMu.RLock()
	sinks := m.sinks
	m.sinkMu.RUnlock()

	for _, s := range sinks {
		s.Relay(ev)
	}
}

// janitor reconnects dropped servers and verifies the log forwarding of
// the connected ones
func (m *Manager) janitor(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Manager) check(ctx context.Context) {
	for _, name := range m.names {
		m.conns[name].check(ctx)
	}
	m.flush()
}

func (m *Manager) flush() {
	if m.journal == nil {
		return
	}
	if err := m.journal.Flush(); err != nil {
		logrus.WithError(err).Error("Could not save server logs")
	}
}

func (m *Manager) newConnection(sc config.ServerConfig) (*Connection, error) {
	c := &Connection{
		cfg:      sc,
		manager:  m,
		parser:   NewParser(sc.Name, m.bots),
		log:      logrus.WithField("server", sc.Name),
		watchers: make(map[int]func(string)),
	}

	server := rcon.Server{Host: sc.Host, Port: sc.Port}
	opts := []rcon.Option{
		rcon.WithName(sc.Name),
		rcon.WithLogger(c.log),
		rcon.WithChallengeTimeout(sc.ChallengeTimeout.Std()),
		rcon.WithHandlers(c.handlers()),
	}
	if m.dialer != nil {
		opts = append(opts, rcon.WithDialer(m.dialer))
	}
	if sc.Rate > 0 {
		opts = append(opts, rcon.WithRateLimit(rate.Limit(sc.Rate), sc.Burst))
	}

	switch sc.Protocol {
	case config.ProtocolDarkplaces, "":
		secure, err := rcon.ParseSecurityLevel(sc.Secure)
		if err != nil {
			return nil, err
		}
		c.darkplaces = rcon.NewDarkplaces(server, sc.Password, secure, opts...)
		c.remote = c.darkplaces
	case config.ProtocolDaemon:
		c.daemon = rcon.NewDaemon(server, sc.Password, opts...)
		c.remote = c.daemon
	default:
		return nil, fmt.Errorf("unknown protocol %q", sc.Protocol)
	}
	return c, nil
}

var quoter = strings.NewReplacer(`"`, `'`, `;`, `,`, `$`, `$$`)

// quote makes s safe inside a double quoted console argument
func quote(s string) string {
	return quoter.Replace(s)
}
