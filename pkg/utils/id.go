package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID returns run-<date>-<time>-<8 hex>. The suffix comes from a
// random UUID so IDs minted in the same second stay distinct.
func GenerateRunID() string {
	return RunIDAt(time.Now(), uuid.New())
}

// RunIDAt builds a run ID from an explicit clock reading and UUID.
func RunIDAt(at time.Time, id uuid.UUID) string {
	suffix := strings.ReplaceAll(id.String(), "-", "")[:8]
	return "run-" + at.UTC().Format("20060102-150405") + "-" + suffix
}
