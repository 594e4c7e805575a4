package relay

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// statusWindow is how long after a status request the reply lines are
// taken as server properties
const statusWindow = 5 * time.Second

var (
	statusPlayersRe = regexp.MustCompile(`^players:\s+\d+ active \((\d+) max\)$`)
	statusFieldRe   = regexp.MustCompile(`^([a-z]+):\s+(.*)$`)
)

// serverInfo holds the properties reported by "status 1"
type serverInfo struct {
	mu         sync.Mutex
	props      map[string]string
	maxPlayers int
	until      time.Time
}

// expect opens the window for status reply lines
func (s *serverInfo) expect(now time.Time) {
	s.mu.Lock()
	s.until = now.Add(statusWindow)
	s.mu.Unlock()
}

// parse stores line if it is a status reply line. It returns false for
// other lines or outside the reply window.
func (s *serverInfo) parse(line string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.until) {
		return false
	}
	if m := statusPlayersRe.FindStringSubmatch(line); m != nil {
		s.maxPlayers, _ = strconv.Atoi(m[1])
		return true
	}
	if m := statusFieldRe.FindStringSubmatch(line); m != nil {
		if s.props == nil {
			s.props = make(map[string]string)
		}
		s.props[m[1]] = m[2]
		return true
	}
	return false
}

func (s *serverInfo) set(key, value string) {
	s.mu.Lock()
	if s.props == nil {
		s.props = make(map[string]string)
	}
	s.props[key] = value
	s.mu.Unlock()
}

func (s *serverInfo) reset() {
	s.mu.Lock()
	s.props = nil
	s.maxPlayers = 0
	s.until = time.Time{}
	s.mu.Unlock()
}

// fill copies the known properties into st
func (s *serverInfo) fill(st *Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Hostname = s.props["host"]
	st.Map = s.props["map"]
	st.MaxPlayers = s.maxPlayers
}
