package rcon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) (*Daemon, *fakeDialer, *recorder) {
	t.Helper()
	dialer := &fakeDialer{}
	rec := &recorder{}
	d := NewDaemon(Server{Host: "127.0.0.1", Port: DaemonPort}, "secret",
		WithName(t.Name()),
		WithDialer(dialer.Dial),
		WithClock(newFakeClock().Now),
		WithHandlers(rec.handlers()),
	)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(d.Disconnect)
	return d, dialer, rec
}

func TestDaemonRequestsInfoOnConnect(t *testing.T) {
	d, dialer, _ := newTestDaemon(t)

	assert.Equal(t, []string{Header + "rconinfo"}, dialer.Transport().Written())
	assert.Equal(t, Unencrypted, d.Security())
}

func TestDaemonNegotiatesChallenge(t *testing.T) {
	d, dialer, rec := newTestDaemon(t)
	tr := dialer.Transport()

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\2\\timeout\\9\n"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.WaitNegotiated(ctx))
	assert.Equal(t, EncryptedChallenge, d.Security())
	assert.Equal(t, 9*time.Second, d.ChallengeTimeout())

	// Consumed by the protocol, not forwarded
	rec.mu.Lock()
	assert.Empty(t, rec.received)
	rec.mu.Unlock()

	require.NoError(t, d.Rcon("status"))
	assert.Equal(t, 1, tr.count("getchallengenew"))
	require.Len(t, d.Pending(), 1)

	d.Dispatch([]byte(Header + "challengeResponseNew 1234567\n"))

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnsupportedSecurity)
	assert.Empty(t, d.Pending())
	assert.Zero(t, tr.count("rcon secret status"))
}

func TestDaemonEncryptedPlainRejects(t *testing.T) {
	d, dialer, _ := newTestDaemon(t)

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\1\n"))
	assert.Equal(t, EncryptedPlain, d.Security())

	assert.ErrorIs(t, d.Rcon("status"), ErrUnsupportedSecurity)
	assert.Len(t, dialer.Transport().Written(), 1)
}

func TestDaemonUnencrypted(t *testing.T) {
	d, dialer, _ := newTestDaemon(t)

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\0\\timeout\\0\n"))
	assert.Equal(t, defaultChallengeTimeout, d.ChallengeTimeout())

	require.NoError(t, d.Rcon("kick 3"))
	assert.Equal(t, 1, dialer.Transport().count("rcon secret kick 3"))
}

func TestDaemonRconWaitsForNegotiation(t *testing.T) {
	d, dialer, _ := newTestDaemon(t)
	tr := dialer.Transport()

	assert.ErrorIs(t, d.Rcon("status"), ErrNotNegotiated)
	assert.False(t, d.Negotiated())
	assert.Equal(t, []string{Header + "rconinfo"}, tr.Written())

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\0\n"))
	assert.True(t, d.Negotiated())
	require.NoError(t, d.Rcon("status"))
	assert.Equal(t, 1, tr.count("rcon secret status"))
}

func TestDaemonInvalidSecure(t *testing.T) {
	d, _, rec := newTestDaemon(t)

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\2\n"))
	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\5\n"))

	assert.Equal(t, EncryptedChallenge, d.Security())
	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnsupportedSecurity)
}

func TestDaemonPrintIsLog(t *testing.T) {
	d, _, rec := newTestDaemon(t)

	d.Dispatch([]byte(Header + "print\nmap: plat23\nplayers: 4\n"))
	assert.Equal(t, []string{"map: plat23", "players: 4"}, rec.Logs())
}

func TestDaemonRenegotiatesOnReconnect(t *testing.T) {
	d, dialer, _ := newTestDaemon(t)

	d.Dispatch([]byte(Header + "rconInfoResponse\n\\secure\\0\n"))
	require.NoError(t, d.WaitNegotiated(context.Background()))

	require.NoError(t, d.Reconnect(context.Background()))
	assert.Equal(t, 2, dialer.dialCount())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitNegotiated(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, dialer.Transport().count("rconinfo"))
}
