package rcon

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Server identifies a game server endpoint
type Server struct {
	Host string
	Port int
}

// String returns the server as host:port
func (s Server) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServer parses host[:port], falling back to defaultPort when the
// port is omitted
func ParseServer(addr string, defaultPort int) (Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Server{}, fmt.Errorf("empty server address")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port given
		return Server{Host: strings.Trim(addr, "[]"), Port: defaultPort}, nil
	}
	if host == "" {
		return Server{}, fmt.Errorf("missing host in %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Server{}, fmt.Errorf("invalid port in %q", addr)
	}
	return Server{Host: host, Port: port}, nil
}
