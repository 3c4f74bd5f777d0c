package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// StableID derives deterministic id for alerts that arrive without one.
// Params: alert content fields and normalized instant (rounded down to the second).
// Returns: "alert-" prefixed id stable across redelivery of the same logical alert.
func StableID(alertType, location, message string, at time.Time) string {
	var builder strings.Builder
	builder.Grow(len(alertType) + len(location) + len(message) + 24)
	builder.WriteString(strings.ToUpper(strings.TrimSpace(alertType)))
	builder.WriteByte('|')
	builder.WriteString(strings.TrimSpace(location))
	builder.WriteByte('|')
	builder.WriteString(strings.TrimSpace(message))
	builder.WriteByte('|')
	builder.WriteString(at.UTC().Truncate(time.Second).Format(time.RFC3339))

	digest := sha1.Sum([]byte(builder.String()))
	var hashValue [sha1.Size * 2]byte
	hex.Encode(hashValue[:], digest[:])
	return "alert-" + string(hashValue[:16])
}
