// Package util provides small helpers shared across PacePipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateHandoffID generates a handoff record ID with "h_" prefix.
func GenerateHandoffID() string {
	return GenerateRandomID("h_", 32)
}

// GenerateMessageID generates a synthetic external message ID with "m_" prefix, for
// transports that do not supply one.
func GenerateMessageID() string {
	return GenerateRandomID("m_", 32)
}
