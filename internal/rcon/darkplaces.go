package rcon

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// SecurityLevel is the Darkplaces rcon_secure setting
type SecurityLevel int32

const (
	// SecurePlain sends the password in clear text
	SecurePlain SecurityLevel = iota
	// SecureTime signs commands with a time based HMAC
	SecureTime
	// SecureChallenge signs commands with a server issued challenge
	SecureChallenge
)

func (s SecurityLevel) String() string {
	switch s {
	case SecurePlain:
		return "plain"
	case SecureTime:
		return "time"
	case SecureChallenge:
		return "challenge"
	}
	return "invalid(" + strconv.Itoa(int(s)) + ")"
}

// ParseSecurityLevel converts an rcon_secure value
func ParseSecurityLevel(v int) (SecurityLevel, error) {
	s := SecurityLevel(v)
	if s < SecurePlain || s > SecureChallenge {
		return SecurePlain, fmt.Errorf("%w: rcon_secure %d", ErrUnsupportedSecurity, v)
	}
	return s, nil
}

const (
	// DarkplacesPort is the default Darkplaces/Xonotic server port
	DarkplacesPort = 26000

	darkplacesDatagramSize = 1400
	darkplacesLog          = "n"
	darkplacesChallengeLen = 11
)

// Darkplaces is an rcon connection to a Darkplaces (Xonotic) server
type Darkplaces struct {
	*Engine
	secure atomic.Int32
}

// NewDarkplaces creates a Darkplaces connection using the given security level
func NewDarkplaces(server Server, password string, secure SecurityLevel, opts ...Option) *Darkplaces {
	d := &Darkplaces{}
	d.secure.Store(int32(secure))
	opts = append([]Option{WithMaxDatagramSize(darkplacesDatagramSize)}, opts...)
	d.Engine = NewEngine(server, password, d, opts...)
	return d
}

// Security returns the current security level
func (d *Darkplaces) Security() SecurityLevel {
	return SecurityLevel(d.secure.Load())
}

// SetSecurity changes the security level used by later commands
func (d *Darkplaces) SetSecurity(s SecurityLevel) {
	d.secure.Store(int32(s))
}

// Rcon runs command on the server
func (d *Darkplaces) Rcon(command string) error {
	command = Sanitize(command)
	if !d.Connected() {
		return ErrNotConnected
	}

	switch level := d.Security(); level {
	case SecurePlain:
		d.sent(level.String(), command)
		return d.Write("rcon " + d.Password() + " " + command)
	case SecureTime:
		d.sent(level.String(), command)
		return d.Write(signTime(d.Password(), d.clock().Unix(), command))
	case SecureChallenge:
		return d.ScheduleChallengedCommand(command)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSecurity, level)
	}
}

// SplitCommand treats a leading 'n' as the log command, which is not
// followed by a separator
func (d *Darkplaces) SplitCommand(payload string) (string, string) {
	if len(payload) > 0 && payload[:1] == darkplacesLog {
		return darkplacesLog, payload[1:]
	}
	return splitCommand(payload)
}

// IsLog reports whether command is the log command
func (d *Darkplaces) IsLog(command string) bool {
	return command == darkplacesLog
}

// IsChallengeResponse reports whether command carries a challenge
func (d *Darkplaces) IsChallengeResponse(command string) bool {
	return command == "challenge"
}

// FilterChallenge drops the padding the server appends to the challenge
func (d *Darkplaces) FilterChallenge(message string) string {
	if len(message) > darkplacesChallengeLen {
		return message[:darkplacesChallengeLen]
	}
	return message
}

// ChallengeRequest returns the challenge request command
func (d *Darkplaces) ChallengeRequest() string {
	return "getchallenge"
}

// ChallengedCommand sends command signed with challenge
func (d *Darkplaces) ChallengedCommand(challenge, command string) error {
	d.sent(SecureChallenge.String(), command)
	return d.Write(signChallenge(d.Password(), challenge, command))
}

// signTime builds an rcon_secure 1 line
func signTime(password string, unix int64, command string) string {
	message := strconv.FormatInt(unix, 10) + ".000000 " + command
	return "srcon HMAC-MD4 TIME " + string(HMACMD4(message, password)) + " " + message
}

// signChallenge builds an rcon_secure 2 line
func signChallenge(password, challenge, command string) string {
	message := challenge + " " + command
	return "srcon HMAC-MD4 CHALLENGE " + string(HMACMD4(message, password)) + " " + message
}
