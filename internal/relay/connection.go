package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/dalnet/rconbridge/internal/rcon"
	"github.com/sirupsen/logrus"
)

// Connection is the relay side of one game server
type Connection struct {
	cfg     config.ServerConfig
	manager *Manager
	parser  *Parser
	info    serverInfo
	log     *logrus.Entry

	remote     remote
	darkplaces *rcon.Darkplaces
	daemon     *rcon.Daemon

	watchMu  sync.Mutex
	watchers map[int]func(string)
	nextID   int
}

// Name returns the configured server name
func (c *Connection) Name() string {
	return c.cfg.Name
}

// Status returns a snapshot of the connection state
func (c *Connection) Status() Status {
	st := Status{
		Name:      c.cfg.Name,
		Protocol:  c.cfg.Protocol,
		Address:   c.remote.Server().String(),
		Channel:   c.cfg.Channel,
		Connected: c.remote.Connected(),
		Players:   c.parser.Players(),
		Pending:   len(c.remote.Pending()),
	}
	c.info.fill(&st)
	switch {
	case c.darkplaces != nil:
		st.Protocol = config.ProtocolDarkplaces
		st.Security = c.darkplaces.Security().String()
	case c.daemon != nil:
		st.Security = c.daemon.Security().String()
	}
	return st
}

// Watch calls fn with every raw log line until the returned function is
// called
func (c *Connection) Watch(fn func(line string)) (cancel func()) {
	c.watchMu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

func (c *Connection) handlers() rcon.Handlers {
	return rcon.Handlers{
		OnConnect:       c.onConnect,
		OnDisconnecting: c.onDisconnecting,
		OnDisconnect: func() {
			c.parser.Reset()
			c.info.reset()
		},
		OnLog: c.onLog,
	}
}

func (c *Connection) onConnect() {
	c.parser.Reset()
	c.info.reset()
	if c.darkplaces != nil {
		c.setupLogging()
		c.requestStatus()
	}
}

func (c *Connection) onDisconnecting() {
	if c.darkplaces == nil {
		return
	}
	if err := c.remote.Rcon(`set log_dest_udp ""`); err != nil {
		c.log.WithError(err).Warn("Could not clear log_dest_udp")
	}
}

// logDest is the address the server should send its log to
func (c *Connection) logDest() string {
	if c.cfg.LogDest != "" {
		return c.cfg.LogDest
	}
	if addr := c.remote.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// setupLogging points the server log at this connection and enables the
// eventlog
func (c *Connection) setupLogging() {
	for _, cmd := range []string{
		"set log_dest_udp " + c.logDest(),
		"set sv_eventlog 1",
		"set sv_logscores_bots 1",
	} {
		if err := c.remote.Rcon(cmd); err != nil {
			c.log.WithError(err).Warnf("Could not run %q", cmd)
			return
		}
	}
}

// requestStatus asks for "status 1", its reply fills the server info
func (c *Connection) requestStatus() {
	c.info.expect(time.Now())
	if err := c.remote.Rcon("status 1"); err != nil {
		c.log.WithError(err).Warn("Could not request status")
	}
}

// check reconnects a dropped connection. A connected Darkplaces server is
// asked for its log_dest_udp, restored in onLog if it changed, and for
// its status.
func (c *Connection) check(ctx context.Context) {
	if !c.remote.Connected() {
		c.log.Info("Reconnecting")
		if err := c.remote.Connect(ctx); err != nil {
			c.log.WithError(err).Warn("Reconnect failed")
		}
		return
	}
	if c.darkplaces != nil {
		if err := c.remote.Rcon("log_dest_udp"); err != nil {
			c.log.WithError(err).Warn("Could not query log_dest_udp")
		}
		c.requestStatus()
	}
}

func (c *Connection) onLog(line string) {
	c.watchMu.Lock()
	watchers := make([]func(string), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.watchMu.Unlock()
	for _, fn := range watchers {
		fn(line)
	}

	stripped := StripColors(line)
	plain := strings.TrimPrefix(stripped, "\x01")
	if c.manager.journal != nil && plain != "" {
		if err := c.manager.journal.Record(c.cfg.Name, plain); err != nil {
			c.log.WithError(err).Warn("Could not record log line")
		}
	}
	if c.info.parse(stripped, time.Now()) {
		return
	}

	ev, ok := c.parser.Parse(line)
	if !ok {
		return
	}
	if ev.Kind == KindCvar {
		if ev.Text == "log_dest_udp" && c.darkplaces != nil && ev.Extra != c.logDest() {
			c.log.WithField("log_dest_udp", ev.Extra).Warn("Log destination changed, restoring")
			c.setupLogging()
		}
		return
	}
	if ev.Kind == KindGameStart {
		c.info.set("map", ev.Extra)
	}
	c.manager.emit(ev)
}
