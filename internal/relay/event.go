package relay

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Kind classifies a relayed log line
type Kind string

// Event kinds
const (
	KindChat      Kind = "chat"
	KindJoin      Kind = "join"
	KindPart      Kind = "part"
	KindRename    Kind = "rename"
	KindGameStart Kind = "gamestart"
	KindVote      Kind = "vote"
	KindCvar      Kind = "cvar"
)

// Event is a game log line worth relaying
type Event struct {
	Server string
	Kind   Kind
	Player string
	Text   string
	// Extra carries the cvar value for KindCvar and the map for KindGameStart
	Extra string
}

// String formats the event for a chat channel
func (e Event) String() string {
	switch e.Kind {
	case KindChat:
		return fmt.Sprintf("[%s] <%s> %s", e.Server, e.Player, e.Text)
	case KindJoin:
		return fmt.Sprintf("[%s] + join: %s", e.Server, e.Player)
	case KindPart:
		return fmt.Sprintf("[%s] - part: %s", e.Server, e.Player)
	case KindRename:
		return fmt.Sprintf("[%s] %s is now known as %s", e.Server, e.Player, e.Text)
	case KindGameStart:
		return fmt.Sprintf("[%s] Playing %s on %s", e.Server, e.Text, e.Extra)
	case KindVote:
		return fmt.Sprintf("[%s] %s calls a vote for %s", e.Server, e.Player, e.Text)
	case KindCvar:
		return fmt.Sprintf("[%s] %s is %q", e.Server, e.Text, e.Extra)
	}
	return fmt.Sprintf("[%s] %s", e.Server, e.Text)
}

var (
	colorRe = regexp.MustCompile(`\^(?:[0-9]|x[0-9a-fA-F]{3})`)

	chatRe      = regexp.MustCompile(`^\x01(.*)\^7: (.*)$`)
	cvarRe      = regexp.MustCompile(`^"([^"]+)" is "([^"]*)"`)
	joinRe      = regexp.MustCompile(`^:join:(\d+):(\d+):((?:[0-9]+(?:\.[0-9]+){3})|(?:[0-9a-fA-F:]+)|bot):(.*)$`)
	partRe      = regexp.MustCompile(`^:part:(\d+)$`)
	nameRe      = regexp.MustCompile(`^:name:(\d+):(.*)$`)
	gameStartRe = regexp.MustCompile(`^:gamestart:([a-z]+)_([^:]*):[0-9.]*$`)
	voteRe      = regexp.MustCompile(`^:vote:vcall:(\d+):(.*)$`)
)

// StripColors removes ^N and ^xRGB color codes, turning ^^ into ^
func StripColors(s string) string {
	if !strings.Contains(s, "^") {
		return s
	}
	parts := strings.Split(s, "^^")
	for i, p := range parts {
		parts[i] = colorRe.ReplaceAllString(p, "")
	}
	return strings.Join(parts, "^")
}

type player struct {
	name string
	bot  bool
}

// Parser turns eventlog lines into events, tracking the players on the
// server to resolve the ids used by part, rename and vote lines
type Parser struct {
	server string
	bots   bool

	mu      sync.Mutex
	players map[string]player
}

// NewParser creates a parser for server. Bot joins and parts are only
// reported when bots is set.
func NewParser(server string, bots bool) *Parser {
	return &Parser{
		server:  server,
		bots:    bots,
		players: make(map[string]player),
	}
}

// Reset forgets every tracked player
func (p *Parser) Reset() {
	p.mu.Lock()
	p.players = make(map[string]player)
	p.mu.Unlock()
}

// Players returns the number of tracked players
func (p *Parser) Players() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.players)
}

// Parse returns the event for line and false for lines that are not relayed
func (p *Parser) Parse(line string) (Event, bool) {
	if line == "" {
		return Event{}, false
	}
	ev := Event{Server: p.server}

	switch line[0] {
	case '\x01':
		m := chatRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		ev.Kind = KindChat
		ev.Player = StripColors(m[1])
		ev.Text = StripColors(m[2])
		return ev, true

	case '"':
		m := cvarRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		ev.Kind = KindCvar
		ev.Text = m[1]
		ev.Extra = m[2]
		return ev, true

	case ':':
		return p.parseEventlog(ev, line)
	}
	return Event{}, false
}

func (p *Parser) parseEventlog(ev Event, line string) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m := joinRe.FindStringSubmatch(line); m != nil {
		pl := player{name: StripColors(m[4]), bot: m[3] == "bot"}
		p.players[m[1]] = pl
		ev.Kind = KindJoin
		ev.Player = pl.name
		return ev, p.bots || !pl.bot
	}

	if m := partRe.FindStringSubmatch(line); m != nil {
		pl, ok := p.players[m[1]]
		if !ok {
			return Event{}, false
		}
		delete(p.players, m[1])
		ev.Kind = KindPart
		ev.Player = pl.name
		return ev, p.bots || !pl.bot
	}

	if m := nameRe.FindStringSubmatch(line); m != nil {
		pl, ok := p.players[m[1]]
		if !ok {
			return Event{}, false
		}
		ev.Kind = KindRename
		ev.Player = pl.name
		pl.name = StripColors(m[2])
		p.players[m[1]] = pl
		ev.Text = pl.name
		return ev, p.bots || !pl.bot
	}

	if m := gameStartRe.FindStringSubmatch(line); m != nil {
		ev.Kind = KindGameStart
		ev.Text = m[1]
		ev.Extra = m[2]
		return ev, true
	}

	if m := voteRe.FindStringSubmatch(line); m != nil {
		ev.Kind = KindVote
		ev.Player = "(server admin)"
		if pl, ok := p.players[m[1]]; ok {
			ev.Player = pl.name
		}
		ev.Text = StripColors(m[2])
		return ev, true
	}

	return Event{}, false
}
