package rcon

import (
	"strconv"
	"strings"
)

const infoSeparator = "\\"

// InfoString is a decoded \key\value\key\value string
type InfoString map[string]string

// ParseInfoString decodes a backslash-delimited info string.
// Empty keys are skipped and a trailing key without value maps to "".
func ParseInfoString(s string) InfoString {
	info := make(InfoString)
	s = strings.TrimPrefix(s, infoSeparator)
	if s == "" {
		return info
	}

	parts := strings.Split(s, infoSeparator)
	for i := 0; i < len(parts); i += 2 {
		key := parts[i]
		if key == "" {
			continue
		}
		value := ""
		if i+1 < len(parts) {
			value = parts[i+1]
		}
		info[key] = value
	}
	return info
}

// Get returns the value for key and whether it was present
func (i InfoString) Get(key string) (string, bool) {
	v, ok := i[key]
	return v, ok
}

// Int returns the value for key as an integer
func (i InfoString) Int(key string) (int, bool) {
	v, ok := i[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
