package rcon

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Transport is a connected datagram socket owned by a single Engine.
// Every Write sends one datagram and every Read returns one datagram.
type Transport interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
}

// Dialer opens a Transport to the given server
type Dialer func(ctx context.Context, server Server) (Transport, error)

// DialUDP is the default Dialer, it opens a connected UDP socket
func DialUDP(ctx context.Context, server Server) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	return conn, nil
}
