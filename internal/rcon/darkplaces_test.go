package rcon

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) string {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return string(b)
}

func TestHMACMD4(t *testing.T) {
	tests := []struct {
		message, key, want string
	}{
		{"0123456789a status", "secret", "8d87bf9066afb07688037d3f71b8061b"},
		{"1700000000.000000 status", "secret", "21b3bbff6d98630dc8817cef3ea9e276"},
		{"abcdefghijk say hello", "hunter2", "801aea848d228fd9d8c1dcaa1231aa9c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hex.EncodeToString(HMACMD4(tt.message, tt.key)), tt.message)
	}
}

func TestSignChallenge(t *testing.T) {
	want := "srcon HMAC-MD4 CHALLENGE " +
		mustHex(t, "8d87bf9066afb07688037d3f71b8061b") +
		" 0123456789a status"

	assert.Equal(t, want, signChallenge("secret", "0123456789a", "status"))
	// Pure function of its inputs
	assert.Equal(t, signChallenge("secret", "0123456789a", "status"),
		signChallenge("secret", "0123456789a", "status"))
	assert.NotEqual(t, want, signChallenge("other", "0123456789a", "status"))
}

func TestSignTime(t *testing.T) {
	want := "srcon HMAC-MD4 TIME " +
		mustHex(t, "21b3bbff6d98630dc8817cef3ea9e276") +
		" 1700000000.000000 status"

	assert.Equal(t, want, signTime("secret", 1700000000, "status"))
}

func TestDarkplacesRconPlain(t *testing.T) {
	d, dialer, _, _ := newTestDarkplaces(t, SecurePlain)

	require.NoError(t, d.Rcon("say hi\nquit"))
	assert.Equal(t, []string{Header + "rcon secret say hiquit"}, dialer.Transport().Written())
}

func TestDarkplacesRconTime(t *testing.T) {
	d, dialer, clock, _ := newTestDarkplaces(t, SecureTime)

	require.NoError(t, d.Rcon("status"))
	assert.Equal(t, []string{Header + signTime("secret", clock.Now().Unix(), "status")},
		dialer.Transport().Written())
	assert.Empty(t, d.Pending())
}

func TestDarkplacesPasswordChange(t *testing.T) {
	d, dialer, _, _ := newTestDarkplaces(t, SecurePlain)

	d.SetPassword("changed")
	require.NoError(t, d.Rcon("status"))
	assert.Equal(t, []string{Header + "rcon changed status"}, dialer.Transport().Written())
}

func TestDarkplacesSecurityChange(t *testing.T) {
	d, dialer, _, _ := newTestDarkplaces(t, SecurePlain)

	d.SetSecurity(SecureChallenge)
	require.NoError(t, d.Rcon("status"))
	assert.Equal(t, []string{Header + "getchallenge"}, dialer.Transport().Written())

	d.SetSecurity(SecurityLevel(7))
	assert.ErrorIs(t, d.Rcon("status"), ErrUnsupportedSecurity)
}

func TestDarkplacesSplitCommand(t *testing.T) {
	d := NewDarkplaces(testServer, "", SecurePlain)

	tests := []struct {
		payload, cmd, msg string
	}{
		{"nhello\n", "n", "hello\n"},
		{"n", "n", ""},
		{"challenge 0123456789a", "challenge", "0123456789a"},
		{"statusResponse\n\\sv_hostname\\x", "statusResponse", "\\sv_hostname\\x"},
	}
	for _, tt := range tests {
		cmd, msg := d.SplitCommand(tt.payload)
		assert.Equal(t, tt.cmd, cmd, tt.payload)
		assert.Equal(t, tt.msg, msg, tt.payload)
	}

	assert.True(t, d.IsLog("n"))
	assert.False(t, d.IsLog("print"))
	assert.True(t, d.IsChallengeResponse("challenge"))
}

func TestDarkplacesFilterChallenge(t *testing.T) {
	d := NewDarkplaces(testServer, "", SecurePlain)

	assert.Equal(t, "0123456789a", d.FilterChallenge("0123456789a\x00vlen\x00d0pk\x001\x00"))
	assert.Equal(t, "short", d.FilterChallenge("short"))
}

func TestParseSecurityLevel(t *testing.T) {
	for v, want := range []SecurityLevel{SecurePlain, SecureTime, SecureChallenge} {
		got, err := ParseSecurityLevel(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSecurityLevel(3)
	assert.ErrorIs(t, err, ErrUnsupportedSecurity)
	_, err = ParseSecurityLevel(-1)
	assert.ErrorIs(t, err, ErrUnsupportedSecurity)
}
