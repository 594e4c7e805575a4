package rcon

import (
	"crypto/hmac"
	"strings"

	"golang.org/x/crypto/md4"
)

// HMACMD4 returns the raw 16 byte HMAC-MD4 digest of message keyed with key
func HMACMD4(message, key string) []byte {
	mac := hmac.New(md4.New, []byte(key))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// Sanitize removes the bytes that would break datagram framing or line
// splitting on the server: newline, NUL and 0xFF
func Sanitize(command string) string {
	if strings.IndexByte(command, '\n') < 0 &&
		strings.IndexByte(command, 0) < 0 &&
		strings.IndexByte(command, 0xff) < 0 {
		return command
	}

	b := make([]byte, 0, len(command))
	for i := 0; i < len(command); i++ {
		switch c := command[i]; c {
		case '\n', 0, 0xff:
		default:
			b = append(b, c)
		}
	}
	return string(b)
}
