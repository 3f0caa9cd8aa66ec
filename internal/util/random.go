// Package util provides small helpers shared across indusgpt components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns "{prefix}{hex}" where hex is hexLength lowercase hex characters
// drawn from random (version 4) UUIDs.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length lowercase hex characters.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length + 32)
	for b.Len() < length {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:length]
}

// GenerateJobID returns an ID for a durable job record.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// GenerateOutboxID returns an ID for an outbox message record.
func GenerateOutboxID() string {
	return GenerateRandomID("outbox_", 32)
}

// GenerateReportID returns an ID for an exported report object.
func GenerateReportID() string {
	return GenerateRandomID("rep_", 16)
}
