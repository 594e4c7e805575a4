package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/dalnet/rconbridge/internal/relay"
	"github.com/dalnet/rconbridge/internal/storage"
	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/sirupsen/logrus"
)

// Version information (set at build time or here)
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const (
	defaultReplyWindow = 2 * time.Second
	maxReplyLines      = 20
)

// Relay is the game server side used by the bot commands
type Relay interface {
	Servers() []relay.Status
	Rcon(name, command string) error
	Say(name, from, text string) error
	Reconnect(ctx context.Context, name string) error
	Recent(name string, n int) ([]string, error)
	Watch(name string, fn func(line string)) (func(), error)
}

// sender is the part of the IRC connection the handlers write to
type sender interface {
	Privmsg(target, text string) error
	Send(command string, params ...string) error
	SendRaw(line string) error
	Join(channel string) error
	CurrentNick() string
	SetNick(nick string)
}

// Client represents the IRC bot client
type Client struct {
	conn  *ircevent.Connection
	out   sender
	cfg   *config.Config
	relay Relay
	log   *logrus.Entry

	mu     sync.RWMutex
	ready  bool
	closed bool
	stats  []string

	// Relay channels: server name -> channel, channel -> server names
	channels map[string]string
	servers  map[string][]string

	// Oper tracking: hostmask -> is oper
	opers map[string]bool

	// Pending WHOIS checks: nick -> {hostmask, message}
	pendingWhois map[string]*pendingCheck

	// How long !rcon collects the server reply
	replyWindow time.Duration
}

type pendingCheck struct {
	hostmask string
	message  string
}

// NewClient creates a new IRC client
func NewClient(cfg *config.Config, r Relay) (*Client, error) {
	conn := &ircevent.Connection{
		Server:      fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		Nick:        cfg.Nick,
		User:        cfg.Username,
		RealName:    cfg.IRCName,
		Password:    cfg.ServerPass,
		QuitMessage: "Shutting down",
		UseTLS:      cfg.UseTLS,
		TLSConfig:   &tls.Config{ServerName: cfg.Server},
	}

	c := newClient(cfg, r, conn)
	c.conn = conn

	var err error
	c.stats, err = storage.LoadStats(cfg.DataDir)
	if err != nil {
		c.log.WithError(err).Warn("Could not load stats")
	}

	c.registerHandlers()
	return c, nil
}

func newClient(cfg *config.Config, r Relay, out sender) *Client {
	c := &Client{
		out:          out,
		cfg:          cfg,
		relay:        r,
		log:          logrus.WithField("component", "irc"),
		channels:     make(map[string]string),
		servers:      make(map[string][]string),
		opers:        make(map[string]bool),
		pendingWhois: make(map[string]*pendingCheck),
		replyWindow:  defaultReplyWindow,
	}
	for _, s := range cfg.Servers {
		if s.Channel == "" {
			continue
		}
		ch := strings.ToLower(s.Channel)
		c.channels[s.Name] = s.Channel
		c.servers[ch] = append(c.servers[ch], s.Name)
	}
	return c
}

func (c *Client) registerHandlers() {
	// Connected (end of MOTD)
	c.conn.AddCallback("376", c.onConnect)
	c.conn.AddCallback("422", c.onConnect) // MOTD missing is also "connected"

	c.conn.AddCallback("PRIVMSG", c.onPrivMsg)

	// WHOIS responses
	c.conn.AddCallback("313", c.onWhoisOper) // RPL_WHOISOPERATOR
	c.conn.AddCallback("318", c.onWhoisEnd)  // RPL_ENDOFWHOIS

	// Nick issues
	c.conn.AddCallback("432", c.onNickHeld)  // ERR_ERRONEUSNICKNAME
	c.conn.AddCallback("433", c.onNickInUse) // ERR_NICKNAMEINUSE

	c.conn.AddCallback("CTCP_VERSION", c.onCtcpVersion)
}

// Connect initiates the IRC connection
func (c *Client) Connect() error {
	return c.conn.Connect()
}

// Loop runs the IRC event loop (blocking)
func (c *Client) Loop() {
	c.conn.Loop()
}

// Quit disconnects from IRC
func (c *Client) Quit() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Quit()
}

// Relay posts a game event to the channel of its server
func (c *Client) Relay(ev relay.Event) {
	c.mu.RLock()
	ready := c.ready && !c.closed
	c.mu.RUnlock()
	if !ready {
		return
	}

	channel, ok := c.channels[ev.Server]
	if !ok {
		return
	}
	if err := c.out.Privmsg(channel, ev.String()); err != nil {
		c.log.WithError(err).Warn("Could not relay event")
	}
}

func (c *Client) onConnect(e ircmsg.Message) {
	c.log.Info("Connected to IRC server")

	// Identify to NickServ
	if c.cfg.NickPass != "" {
		c.out.Privmsg("NickServ", fmt.Sprintf("IDENTIFY %s %s", c.cfg.Nick, c.cfg.NickPass))
	}

	// OPER up
	if c.cfg.OperNick != "" && c.cfg.OperPass != "" {
		c.out.SendRaw(fmt.Sprintf("OPER %s %s", c.cfg.OperNick, c.cfg.OperPass))
	}

	for _, channel := range c.channels {
		if err := c.out.Join(channel); err != nil {
			c.log.WithError(err).WithField("channel", channel).Warn("Could not join")
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	c.log.Info("Bot initialization complete")
}

func (c *Client) onPrivMsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}

	target := e.Params[0]
	message := e.Params[1]
	nick := e.Nick()
	nuh, err := e.NUH()
	if err != nil {
		return
	}
	hostmask := nuh.Canonical()

	// Channel chat goes to the game servers of that channel
	if !strings.EqualFold(target, c.out.CurrentNick()) {
		c.onChannelMsg(strings.ToLower(target), nick, message)
		return
	}

	if strings.TrimSpace(message) == "" {
		return
	}

	c.mu.RLock()
	isOper := c.opers[hostmask]
	c.mu.RUnlock()

	if isOper {
		// Known oper, process command directly
		c.handleCommand(nick, hostmask, message)
	} else {
		// Unknown user, initiate WHOIS check
		c.mu.Lock()
		c.pendingWhois[nick] = &pendingCheck{
			hostmask: hostmask,
			message:  message,
		}
		c.mu.Unlock()
		c.out.Send("WHOIS", nick)
	}
}

func (c *Client) onChannelMsg(channel, nick, message string) {
	// Commands and CTCPs are not chat
	if strings.HasPrefix(message, "!") || strings.HasPrefix(message, "\x01") {
		return
	}
	for _, server := range c.servers[channel] {
		if err := c.relay.Say(server, nick, message); err != nil {
			c.log.WithError(err).WithField("server", server).Debug("Could not forward chat")
		}
	}
}

func (c *Client) onWhoisOper(e ircmsg.Message) {
	// 313 <me> <nick> :is an IRC operator
	if len(e.Params) < 2 {
		return
	}
	nick := e.Params[1]

	c.mu.Lock()
	pending := c.pendingWhois[nick]
	if pending != nil {
		c.opers[pending.hostmask] = true
	}
	c.mu.Unlock()

	// Process the pending command
	if pending != nil {
		c.handleCommand(nick, pending.hostmask, pending.message)
	}
}

func (c *Client) onWhoisEnd(e ircmsg.Message) {
	// 318 <me> <nick> :End of /WHOIS list
	if len(e.Params) < 2 {
		return
	}
	nick := e.Params[1]

	c.mu.Lock()
	pending := c.pendingWhois[nick]
	delete(c.pendingWhois, nick)

	// Check if we got oper status
	var isOper bool
	if pending != nil {
		isOper = c.opers[pending.hostmask]
	}
	c.mu.Unlock()

	// If not an oper, log the attempt
	if pending != nil && !isOper {
		c.logCommand(pending.hostmask, fmt.Sprintf("USER - %s", pending.message))
	}
}

func (c *Client) onNickHeld(e ircmsg.Message) {
	c.recoverNick("RELEASE", "Nick is held")
}

func (c *Client) onNickInUse(e ircmsg.Message) {
	c.recoverNick("GHOST", "Nick in use")
}

// recoverNick switches to the alternate nick and asks NickServ to free
// the configured one
func (c *Client) recoverNick(verb, reason string) {
	if c.cfg.Alternate == "" || c.out.CurrentNick() == c.cfg.Alternate {
		return
	}
	c.log.WithField("alternate", c.cfg.Alternate).Warnf("%s, switching to alternate", reason)
	c.out.SetNick(c.cfg.Alternate)

	if c.cfg.NickPass == "" {
		return
	}

	// Schedule nick recovery
	go func() {
		time.Sleep(15 * time.Second)
		c.out.Privmsg("NickServ", fmt.Sprintf("%s %s %s", verb, c.cfg.Nick, c.cfg.NickPass))
		time.Sleep(2 * time.Second)
		c.out.SetNick(c.cfg.Nick)
	}()
}

func (c *Client) onCtcpVersion(e ircmsg.Message) {
	nick := e.Nick()
	reply := fmt.Sprintf("rconbridge %s (built %s, commit %s)", Version, BuildDate, GitCommit)
	c.out.SendRaw(fmt.Sprintf("NOTICE %s :\x01VERSION %s\x01", nick, reply))
}

func (c *Client) logCommand(hostmask, command string) {
	timestamp := time.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT")
	entry := fmt.Sprintf("%s: %s -> %s", timestamp, hostmask, command)

	c.mu.Lock()
	c.stats = storage.AddStat(c.stats, entry)
	stats := append([]string(nil), c.stats...)
	c.mu.Unlock()

	if err := storage.SaveStats(c.cfg.DataDir, stats); err != nil {
		c.log.WithError(err).Error("Error saving stats")
	}
}
