// Package util provides environment parsing and id helpers for FlowPipe.
package util

import (
	"math/rand/v2"
)

// RequestIDPrefix marks request ids minted by FlowPipe.
const RequestIDPrefix = "req_"

// maxRequestIDLen bounds caller-supplied request ids echoed into logs.
const maxRequestIDLen = 64

const hexDigits = "0123456789abcdef"

// GenerateRequestID returns "req_" followed by 16 random hex digits. The ids
// correlate log lines and are not secrets.
func GenerateRequestID() string {
	b := make([]byte, len(RequestIDPrefix), len(RequestIDPrefix)+16)
	copy(b, RequestIDPrefix)
	for range 16 {
		b = append(b, hexDigits[rand.IntN(len(hexDigits))])
	}
	return string(b)
}

// RequestID keeps a caller-supplied id when it is short and made of
// [A-Za-z0-9._-], and mints a new one otherwise.
func RequestID(supplied string) string {
	if validRequestID(supplied) {
		return supplied
	}
	return GenerateRequestID()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
