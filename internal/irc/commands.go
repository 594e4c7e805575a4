package irc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rconbridge/internal/relay"
)

// handleCommand processes a command from a verified IRC operator
func (c *Client) handleCommand(nick, hostmask, message string) {
	message = strings.TrimSpace(message)
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return
	}

	switch strings.ToLower(fields[0]) {
	case "!help":
		c.cmdHelp(nick, hostmask, message)
	case "!servers":
		c.cmdServers(nick, hostmask, message)
	case "!rcon":
		c.cmdRcon(nick, hostmask, message)
	case "!reconnect":
		c.cmdReconnect(nick, hostmask, message)
	case "!logs":
		c.cmdLogs(nick, hostmask, message)
	case "!version":
		c.cmdVersion(nick, hostmask, message)
	}
}

func (c *Client) cmdHelp(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	c.out.Privmsg(nick, "Available commands:")
	c.out.Privmsg(nick, "!servers - lists the game servers and their connection state")
	c.out.Privmsg(nick, "!rcon <server> <command> - runs a console command on a game server")
	c.out.Privmsg(nick, "!reconnect <server> - reopens the connection to a game server")
	c.out.Privmsg(nick, "!logs <server> - displays the last 10 log lines of a game server")
	c.out.Privmsg(nick, "!logs <server> <number> - displays the last given number of lines")
	c.out.Privmsg(nick, "!version - displays bot version information")
}

func (c *Client) cmdServers(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	servers := c.relay.Servers()
	if len(servers) == 0 {
		c.out.Privmsg(nick, "No game servers configured")
		return
	}
	for _, s := range servers {
		state := "\x02down\x02"
		if s.Connected {
			state = "up"
		}
		players := strconv.Itoa(s.Players)
		if s.MaxPlayers > 0 {
			players += "/" + strconv.Itoa(s.MaxPlayers)
		}
		line := fmt.Sprintf("%s (%s %s) %s, security %s, %s players",
			s.Name, s.Protocol, s.Address, state, s.Security, players)
		if s.Map != "" {
			line += ", map " + s.Map
		}
		if s.Hostname != "" {
			line += fmt.Sprintf(", %q", s.Hostname)
		}
		if s.Channel != "" {
			line += ", relayed to " + s.Channel
		}
		if s.Pending > 0 {
			line += fmt.Sprintf(", %d pending", s.Pending)
		}
		c.out.Privmsg(nick, line)
	}
}

func (c *Client) cmdRcon(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	parts := strings.SplitN(message, " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		c.out.Privmsg(nick, "Usage: !rcon <server> <command>")
		return
	}
	server := parts[1]
	command := strings.TrimSpace(parts[2])

	var (
		mu    sync.Mutex
		lines []string
	)
	stop, err := c.relay.Watch(server, func(line string) {
		mu.Lock()
		if len(lines) < maxReplyLines {
			lines = append(lines, line)
		}
		mu.Unlock()
	})
	if err != nil {
		c.replyError(nick, server, err)
		return
	}

	if err := c.relay.Rcon(server, command); err != nil {
		stop()
		c.replyError(nick, server, err)
		return
	}

	time.AfterFunc(c.replyWindow, func() {
		stop()
		mu.Lock()
		reply := lines
		mu.Unlock()

		if len(reply) == 0 {
			c.out.Privmsg(nick, fmt.Sprintf("[%s] no reply", server))
			return
		}
		for _, line := range reply {
			c.out.Privmsg(nick, fmt.Sprintf("[%s] %s", server, relay.StripColors(line)))
		}
	})
}

func (c *Client) cmdReconnect(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, "Usage: !reconnect <server>")
		return
	}
	server := parts[1]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.relay.Reconnect(ctx, server); err != nil {
		c.replyError(nick, server, err)
		return
	}
	c.out.Privmsg(nick, fmt.Sprintf("Reconnected to %s", server))
}

func (c *Client) cmdLogs(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, "Usage: !logs <server> [number]")
		return
	}
	server := parts[1]
	count := 10
	if len(parts) > 2 {
		if n, err := strconv.Atoi(parts[2]); err == nil && n > 0 {
			count = n
		}
	}

	logs, err := c.relay.Recent(server, count)
	if err != nil {
		c.replyError(nick, server, err)
		return
	}

	c.out.Privmsg(nick, fmt.Sprintf("The last \x02%d\x02 lines from %s:", len(logs), server))

	// Oldest first so the conversation reads top down
	for i := len(logs) - 1; i >= 0; i-- {
		c.out.Privmsg(nick, logs[i])
	}
}

func (c *Client) cmdVersion(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	c.out.Privmsg(nick, fmt.Sprintf("rconbridge version %s", Version))
	c.out.Privmsg(nick, fmt.Sprintf("Built: %s", BuildDate))
	c.out.Privmsg(nick, fmt.Sprintf("Commit: %s", GitCommit))
}

func (c *Client) replyError(nick, server string, err error) {
	if errors.Is(err, relay.ErrUnknownServer) {
		c.out.Privmsg(nick, fmt.Sprintf("No such server: %s", server))
		return
	}
	c.out.Privmsg(nick, fmt.Sprintf("[%s] error: %v", server, err))
}
