package rcon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DaemonSecurity is the rcon security mode reported by a Daemon server
type DaemonSecurity int32

const (
	// Unencrypted allows the password in clear text
	Unencrypted DaemonSecurity = iota
	// EncryptedPlain requires encrypted commands
	EncryptedPlain
	// EncryptedChallenge requires encrypted commands and a challenge
	EncryptedChallenge
)

func (s DaemonSecurity) String() string {
	switch s {
	case Unencrypted:
		return "unencrypted"
	case EncryptedPlain:
		return "encrypted-plain"
	case EncryptedChallenge:
		return "encrypted-challenge"
	}
	return "invalid(" + strconv.Itoa(int(s)) + ")"
}

const (
	// DaemonPort is the default Daemon (Unvanquished) server port
	DaemonPort = 27960

	daemonDatagramSize = 32768 // MAX_MSGLEN
	daemonLog          = "print"
	daemonInfoRequest  = "rconinfo"
	daemonInfoResponse = "rconInfoResponse"
)

// Daemon is an rcon connection to a Daemon (Unvanquished) server.
// The security mode is not configured, it is read from the server
// reply to rconinfo on every connect.
type Daemon struct {
	*Engine
	secure atomic.Int32

	negMu      sync.Mutex
	negotiated chan struct{}
}

// NewDaemon creates a Daemon connection
func NewDaemon(server Server, password string, opts ...Option) *Daemon {
	d := &Daemon{negotiated: make(chan struct{})}
	opts = append([]Option{WithMaxDatagramSize(daemonDatagramSize)}, opts...)
	d.Engine = NewEngine(server, password, d, opts...)
	return d
}

// Security returns the security mode last reported by the server
func (d *Daemon) Security() DaemonSecurity {
	return DaemonSecurity(d.secure.Load())
}

// Negotiated reports whether the server answered rconinfo on the current
// connection
func (d *Daemon) Negotiated() bool {
	d.negMu.Lock()
	ch := d.negotiated
	d.negMu.Unlock()

	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// WaitNegotiated blocks until the server answered rconinfo on the current
// connection or ctx is done
func (d *Daemon) WaitNegotiated(ctx context.Context) error {
	d.negMu.Lock()
	ch := d.negotiated
	d.negMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rcon runs command on the server
func (d *Daemon) Rcon(command string) error {
	command = Sanitize(command)
	if !d.Connected() {
		return ErrNotConnected
	}
	if !d.Negotiated() {
		return ErrNotNegotiated
	}

	switch level := d.Security(); level {
	case Unencrypted:
		d.sent(level.String(), command)
		return d.Write("rcon " + d.Password() + " " + command)
	case EncryptedChallenge:
		return d.ScheduleChallengedCommand(command)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSecurity, level)
	}
}

// SplitCommand splits at the first whitespace
func (d *Daemon) SplitCommand(payload string) (string, string) {
	return splitCommand(payload)
}

// IsLog reports whether command is a print
func (d *Daemon) IsLog(command string) bool {
	return command == daemonLog
}

// IsChallengeResponse reports whether command carries a challenge
func (d *Daemon) IsChallengeResponse(command string) bool {
	return command == "challengeResponseNew"
}

// FilterChallenge trims the line terminator off the challenge
func (d *Daemon) FilterChallenge(message string) string {
	return strings.TrimSpace(message)
}

// ChallengeRequest returns the challenge request command
func (d *Daemon) ChallengeRequest() string {
	return "getchallengenew"
}

// ChallengedCommand cannot sign encrypted commands and reports the
// command as unsupported
func (d *Daemon) ChallengedCommand(challenge, command string) error {
	return fmt.Errorf("%w: %s, dropped %q", ErrUnsupportedSecurity, EncryptedChallenge, command)
}

func (d *Daemon) onConnect() {
	d.negMu.Lock()
	select {
	case <-d.negotiated:
		d.negotiated = make(chan struct{})
	default:
	}
	d.negMu.Unlock()

	if err := d.Write(daemonInfoRequest); err != nil {
		d.log.WithError(err).Warn("Could not request rcon info")
	}
}

func (d *Daemon) onReceive(command, message string) bool {
	if command != daemonInfoResponse {
		return false
	}

	info := ParseInfoString(strings.TrimSpace(message))
	if v, ok := info.Int("secure"); ok {
		if s := DaemonSecurity(v); s >= Unencrypted && s <= EncryptedChallenge {
			d.secure.Store(int32(s))
		} else {
			d.reportError(fmt.Errorf("%w: secure %d", ErrUnsupportedSecurity, v))
		}
	}
	if v, ok := info.Int("timeout"); ok && v > 0 {
		d.SetChallengeTimeout(time.Duration(v) * time.Second)
	}
	d.log.WithField("secure", d.Security()).
		WithField("timeout", d.ChallengeTimeout()).
		Info("Negotiated rcon security")

	d.negMu.Lock()
	select {
	case <-d.negotiated:
	default:
		close(d.negotiated)
	}
	d.negMu.Unlock()
	return true
}
