package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bridgeConfig = `
nick: rconbot
server: irc.example.org
servers:
  - name: unv
    protocol: daemon
    host: 10.0.0.6
    password: unvpw
    challenge_timeout: 9s
  - name: xon
    host: 10.0.0.5
    port: 26010
    password: xonpw
    secure: 2
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bridgeConfig), 0o644))
	return path
}

func TestFromConfig(t *testing.T) {
	opts := &options{}
	cmd := newRootCmd(opts)
	opts.config = writeConfig(t)

	addr, err := fromConfig(cmd, opts, "unv")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6:27960", addr)
	assert.Equal(t, config.ProtocolDaemon, opts.protocol)
	assert.Equal(t, "unvpw", opts.password)
	assert.Equal(t, 9*time.Second, opts.timeout)
}

func TestFromConfigFlagsWin(t *testing.T) {
	opts := &options{}
	cmd := newRootCmd(opts)
	opts.config = writeConfig(t)
	require.NoError(t, cmd.Flags().Set("password", "override"))
	require.NoError(t, cmd.Flags().Set("secure", "1"))

	addr, err := fromConfig(cmd, opts, "xon")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:26010", addr)
	assert.Equal(t, config.ProtocolDarkplaces, opts.protocol)
	assert.Equal(t, "override", opts.password)
	assert.Equal(t, 1, opts.secure)
	assert.Equal(t, 5*time.Second, opts.timeout)
}

func TestFromConfigUnknownName(t *testing.T) {
	opts := &options{}
	cmd := newRootCmd(opts)
	opts.config = writeConfig(t)

	addr, err := fromConfig(cmd, opts, "192.0.2.1:26000")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:26000", addr)
	assert.Equal(t, config.ProtocolDarkplaces, opts.protocol)
}

func TestRunDaemonNegotiationUsesTimeout(t *testing.T) {
	// A server that never answers rconinfo
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer pc.Close()

	opts := &options{
		protocol: config.ProtocolDaemon,
		password: "pw",
		timeout:  50 * time.Millisecond,
		wait:     time.Minute,
	}

	start := time.Now()
	err = run(context.Background(), opts, pc.LocalAddr().String(), "status")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}
