// Package rcon implements the remote console protocols of Quake derived
// engines (Darkplaces/Xonotic and Daemon/Unvanquished) over UDP.
//
// An Engine owns the socket, a reader goroutine and the queue of commands
// waiting for a challenge. The protocol specific parts are supplied by a
// Protocol implementation (Darkplaces or Daemon).
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalnet/rconbridge/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Header is the out-of-band marker every datagram starts with
const Header = "\xff\xff\xff\xff"

const (
	defaultChallengeTimeout = 5 * time.Second
	defaultMaxDatagramSize  = 1024
)

var (
	// ErrNotConnected is returned when writing without an open connection
	ErrNotConnected = errors.New("rcon: not connected")
	// ErrUnsupportedSecurity is returned for security modes that cannot sign commands
	ErrUnsupportedSecurity = errors.New("rcon: unsupported security level")
	// ErrNotNegotiated is returned before a Daemon server reported its security mode
	ErrNotNegotiated = errors.New("rcon: security not negotiated")
	// ErrInvalidDatagram is logged for datagrams without the out-of-band header
	ErrInvalidDatagram = errors.New("rcon: invalid datagram")
)

// Protocol holds the parts of the datagram handling that differ between
// engine families
type Protocol interface {
	// SplitCommand separates the out-of-band command from its message
	SplitCommand(payload string) (command, message string)
	// IsLog reports whether command carries log lines
	IsLog(command string) bool
	// IsChallengeResponse reports whether command carries a challenge
	IsChallengeResponse(command string) bool
	// FilterChallenge extracts the challenge token from the message
	FilterChallenge(message string) string
	// ChallengeRequest is the command asking the server for a challenge
	ChallengeRequest() string
	// ChallengedCommand signs and transmits command with challenge
	ChallengedCommand(challenge, command string) error
}

// connectHook is implemented by protocols that talk to the server right
// after the connection opens
type connectHook interface {
	onConnect()
}

// receiveHook is implemented by protocols handling their own replies.
// It returns true when the message has been consumed.
type receiveHook interface {
	onReceive(command, message string) bool
}

// Handlers are the callbacks fired by an Engine. All of them except
// OnConnect, OnDisconnecting and OnDisconnect run on the reader goroutine.
type Handlers struct {
	OnConnect       func()
	OnDisconnecting func()
	OnDisconnect    func()
	OnNetworkInput  func(datagram string)
	OnLogBegin      func()
	OnLog           func(line string)
	OnLogEnd        func()
	OnReceive       func(command, message string)
	OnError         func(err error)
}

// PendingCommand is a command waiting for a challenge
type PendingCommand struct {
	Text              string
	AwaitingChallenge bool
	Deadline          time.Time
}

func (p *PendingCommand) expired(now time.Time) bool {
	return now.After(p.Deadline)
}

// Option configures an Engine
type Option func(*Engine)

// WithName sets the name used in logs and metrics
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithDialer replaces the UDP dialer
func WithDialer(d Dialer) Option {
	return func(e *Engine) {
		e.dial = d
	}
}

// WithHandlers sets the engine callbacks
func WithHandlers(h Handlers) Option {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithChallengeTimeout sets how long a challenge request stays valid
func WithChallengeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.challengeTimeout = d
		}
	}
}

// WithMaxDatagramSize sets the size of the receive buffer
func WithMaxDatagramSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDatagram = n
		}
	}
}

// WithRateLimit throttles outgoing datagrams
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		if burst < 1 {
			burst = 1
		}
		e.limit = r
		e.burst = burst
	}
}

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// connection is the per-connect state, replaced on every reconnect. The
// reader of a closed connection only ever touches its own queue and line
// buffer, so it cannot leak into the next connection.
type connection struct {
	transport Transport
	limiter   *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closing   atomic.Bool
	failed    atomic.Bool

	// dispatching is set while the reader runs callbacks
	dispatching atomic.Bool

	// guarded by Engine.mu
	queue      []*PendingCommand
	lineBuffer string
}

// wait blocks until the reader stopped, unless it is running callbacks
// and might be the caller
func (c *connection) wait() {
	if !c.dispatching.Load() {
		<-c.done
	}
}

// Engine is the protocol independent part of an rcon connection
type Engine struct {
	proto       Protocol
	dial        Dialer
	handlers    Handlers
	now         func() time.Time
	log         *logrus.Entry
	name        string
	maxDatagram int
	limit       rate.Limit
	burst       int

	// mu guards the fields below and the queue and line buffer of
	// every connection
	mu               sync.Mutex
	server           Server
	password         string
	challengeTimeout time.Duration

	// connMu serializes Connect
	connMu sync.Mutex
	conn   atomic.Pointer[connection]
	prev   atomic.Pointer[connection]
}

// NewEngine creates an engine for server using proto for the protocol
// specific behaviour
func NewEngine(server Server, password string, proto Protocol, opts ...Option) *Engine {
	e := &Engine{
		proto:            proto,
		dial:             DialUDP,
		now:              time.Now,
		name:             server.String(),
		maxDatagram:      defaultMaxDatagramSize,
		limit:            rate.Inf,
		server:           server,
		password:         password,
		challengeTimeout: defaultChallengeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.WithField("server", e.name)
	}
	return e
}

// Name returns the name used in logs and metrics
func (e *Engine) Name() string {
	return e.name
}

// Connected reports whether the transport is open
func (e *Engine) Connected() bool {
	return e.conn.Load() != nil
}

// Server returns the current endpoint
func (e *Engine) Server() Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server
}

// SetServer changes the endpoint, reconnecting if it differs and the
// engine is connected
func (e *Engine) SetServer(ctx context.Context, server Server) error {
	e.mu.Lock()
	changed := server != e.server
	e.server = server
	e.mu.Unlock()

	if changed && e.Connected() {
		return e.Reconnect(ctx)
	}
	return nil
}

// Password returns the rcon password
func (e *Engine) Password() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.password
}

// SetPassword changes the rcon password
func (e *Engine) SetPassword(password string) {
	e.mu.Lock()
	e.password = password
	e.mu.Unlock()
}

// ChallengeTimeout returns how long a challenge request stays valid
func (e *Engine) ChallengeTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.challengeTimeout
}

// SetChallengeTimeout changes how long a challenge request stays valid
func (e *Engine) SetChallengeTimeout(d time.Duration) {
	e.mu.Lock()
	e.challengeTimeout = d
	e.mu.Unlock()
}

// LocalAddr returns the local endpoint of the socket, nil when disconnected
func (e *Engine) LocalAddr() net.Addr {
	c := e.conn.Load()
	if c == nil {
		return nil
	}
	return c.transport.LocalAddr()
}

// Pending returns a snapshot of the challenge queue
func (e *Engine) Pending() []PendingCommand {
	c := e.conn.Load()
	if c == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PendingCommand, 0, len(c.queue))
	for _, p := range c.queue {
		out = append(out, *p)
	}
	return out
}

// Connect opens the transport and starts the reader. It does nothing if
// the engine is already connected.
func (e *Engine) Connect(ctx context.Context) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if e.Connected() {
		return nil
	}
	if p := e.prev.Swap(nil); p != nil {
		p.wait()
	}

	server := e.Server()
	t, err := e.dial(ctx, server)
	if err != nil {
		e.reportError(err)
		return err
	}

	c := &connection{
		transport: t,
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if e.limit != rate.Inf {
		c.limiter = rate.NewLimiter(e.limit, e.burst)
	}

	e.conn.Store(c)
	metrics.Connected.WithLabelValues(e.name).Set(1)
	e.log.WithField("local", t.LocalAddr()).Info("Connected")

	go e.readLoop(c)

	if h, ok := e.proto.(connectHook); ok {
		h.onConnect()
	}
	if e.handlers.OnConnect != nil {
		e.handlers.OnConnect()
	}
	return nil
}

// Disconnect closes the transport, waits for the reader to stop and drops
// queued challenged commands. It may be called from the engine callbacks,
// in that case it does not wait for the reader. A reader still inside a
// callback stops delivering lines of the closed connection once it returns.
func (e *Engine) Disconnect() {
	c := e.conn.Load()
	if c == nil {
		return
	}
	e.closeConnection(c, true)
}

// Reconnect disconnects and connects again
func (e *Engine) Reconnect(ctx context.Context) error {
	e.Disconnect()
	return e.Connect(ctx)
}

// Close disconnects the engine
func (e *Engine) Close() error {
	e.Disconnect()
	return nil
}

func (e *Engine) closeConnection(c *connection, wait bool) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	if !c.failed.Load() && e.handlers.OnDisconnecting != nil {
		e.handlers.OnDisconnecting()
	}

	e.conn.CompareAndSwap(c, nil)
	e.prev.Store(c)
	c.cancel()
	if err := c.transport.Close(); err != nil {
		e.log.WithError(err).Warn("Error closing transport")
	}
	if wait {
		c.wait()
	}

	if dropped := e.clear(c); dropped > 0 {
		metrics.PendingDropped.WithLabelValues(e.name).Add(float64(dropped))
		e.log.WithField("dropped", dropped).Warn("Dropped commands waiting for a challenge")
	}
	metrics.Connected.WithLabelValues(e.name).Set(0)
	e.log.Info("Disconnected")

	if e.handlers.OnDisconnect != nil {
		e.handlers.OnDisconnect()
	}
}

// clear resets the state of c and returns the number of commands dropped
// from its challenge queue
func (e *Engine) clear(c *connection) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := len(c.queue)
	c.queue = nil
	c.lineBuffer = ""
	return dropped
}

func (e *Engine) readLoop(c *connection) {
	defer close(c.done)

	buf := make([]byte, e.maxDatagram)
	for {
		n, err := c.transport.Read(buf)
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.dispatching.Store(true)
			c.failed.Store(true)
			e.reportError(fmt.Errorf("read: %w", err))
			e.closeConnection(c, false)
			return
		}

		c.dispatching.Store(true)
		e.dispatch(c, buf[:n])
		c.dispatching.Store(false)
	}
}

// Write sends a raw out-of-band line to the server
func (e *Engine) Write(line string) error {
	c := e.conn.Load()
	if c == nil {
		return ErrNotConnected
	}
	return e.write(c, line)
}

func (e *Engine) write(c *connection, line string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if _, err := c.transport.Write([]byte(Header + line)); err != nil {
		err = fmt.Errorf("write: %w", err)
		e.reportError(err)
		return err
	}
	return nil
}

// Dispatch handles a datagram as if it was received on the current
// connection
func (e *Engine) Dispatch(datagram []byte) {
	c := e.conn.Load()
	if c == nil {
		e.log.Debugf("Not connected, discarding %q", datagram)
		return
	}
	e.dispatch(c, datagram)
}

func (e *Engine) dispatch(c *connection, datagram []byte) {
	if len(datagram) < len(Header) || string(datagram[:len(Header)]) != Header {
		metrics.DatagramsRejected.WithLabelValues(e.name).Inc()
		e.log.WithError(ErrInvalidDatagram).Warnf("Discarding %q", datagram)
		return
	}
	metrics.DatagramsReceived.WithLabelValues(e.name).Inc()
	if c.closing.Load() {
		return
	}

	raw := string(datagram)
	if e.handlers.OnNetworkInput != nil {
		e.handlers.OnNetworkInput(raw)
	}

	command, message := e.proto.SplitCommand(raw[len(Header):])
	switch {
	case e.proto.IsLog(command):
		e.receiveLog(c, message)
	case e.proto.IsChallengeResponse(command):
		e.handleChallenge(c, e.proto.FilterChallenge(message))
	default:
		e.log.Debugf("> %s %s", command, message)
		if h, ok := e.proto.(receiveHook); ok && h.onReceive(command, message) {
			return
		}
		if e.handlers.OnReceive != nil {
			e.handlers.OnReceive(command, message)
		}
	}
}

// receiveLog splits message into lines, keeping an unterminated tail for
// the next datagram
func (e *Engine) receiveLog(c *connection, message string) {
	e.mu.Lock()
	data := c.lineBuffer + message
	c.lineBuffer = ""
	e.mu.Unlock()

	if e.handlers.OnLogBegin != nil {
		e.handlers.OnLogBegin()
	}

	lines := strings.Split(data, "\n")
	tail := lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if c.closing.Load() {
			break
		}
		metrics.LogLines.WithLabelValues(e.name).Inc()
		if e.handlers.OnLog != nil {
			e.handlers.OnLog(line)
		}
	}
	if tail != "" {
		e.mu.Lock()
		if !c.closing.Load() {
			c.lineBuffer = tail
		}
		e.mu.Unlock()
	}

	if e.handlers.OnLogEnd != nil {
		e.handlers.OnLogEnd()
	}
}

// ScheduleChallengedCommand queues command until a challenge is received
func (e *Engine) ScheduleChallengedCommand(command string) error {
	c := e.conn.Load()
	if c == nil {
		return ErrNotConnected
	}

	e.mu.Lock()
	c.queue = append(c.queue, &PendingCommand{Text: command})
	e.mu.Unlock()

	return e.requestChallenge(c)
}

// requestChallenge asks for a challenge for the head of the queue unless
// a request for it is still outstanding
func (e *Engine) requestChallenge(c *connection) error {
	e.mu.Lock()
	if len(c.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	head := c.queue[0]
	now := e.now()
	if head.AwaitingChallenge && !head.expired(now) {
		e.mu.Unlock()
		return nil
	}
	head.AwaitingChallenge = true
	head.Deadline = now.Add(e.challengeTimeout)
	e.mu.Unlock()

	metrics.ChallengeRequests.WithLabelValues(e.name).Inc()
	if err := e.write(c, e.proto.ChallengeRequest()); err != nil {
		e.mu.Lock()
		head.AwaitingChallenge = false
		e.mu.Unlock()
		return err
	}
	return nil
}

// handleChallenge sends the head of the queue signed with challenge
func (e *Engine) handleChallenge(c *connection, challenge string) {
	e.mu.Lock()
	if c.closing.Load() || len(c.queue) == 0 || challenge == "" {
		e.mu.Unlock()
		return
	}

	head := c.queue[0]
	if !head.AwaitingChallenge || head.expired(e.now()) {
		head.AwaitingChallenge = false
		e.mu.Unlock()

		metrics.StaleChallenges.WithLabelValues(e.name).Inc()
		e.log.Debug("Stale challenge, requesting a new one")
		if err := e.requestChallenge(c); err != nil {
			e.log.WithError(err).Warn("Could not request challenge")
		}
		return
	}

	c.queue = c.queue[1:]
	more := len(c.queue) > 0
	e.mu.Unlock()

	if err := e.proto.ChallengedCommand(challenge, head.Text); err != nil {
		e.reportError(err)
	}

	if more {
		if err := e.requestChallenge(c); err != nil {
			e.log.WithError(err).Warn("Could not request challenge")
		}
	}
}

func (e *Engine) reportError(err error) {
	e.log.WithError(err).Error("Rcon error")
	if e.handlers.OnError != nil {
		e.handlers.OnError(err)
	}
}

func (e *Engine) clock() time.Time {
	return e.now()
}

// sent records a transmitted command
func (e *Engine) sent(mode, command string) {
	metrics.CommandsSent.WithLabelValues(e.name, mode).Inc()
	e.log.WithField("mode", mode).Debugf("< %s", command)
}

// splitCommand splits payload at the first whitespace character
func splitCommand(payload string) (string, string) {
	i := strings.IndexAny(payload, " \t\n\v\f\r")
	if i < 0 {
		return payload, ""
	}
	return payload[:i], payload[i+1:]
}
