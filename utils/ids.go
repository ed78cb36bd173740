package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateDeploymentID derives the identifier for one deployment
// attempt from the workload name, version and start time. Deterministic
// for a given attempt, unique across retries of the same version.
func GenerateDeploymentID(name, version string, startedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", name, version, startedAt.UnixNano())))
	return "dep-" + hex.EncodeToString(sum[:])[:12]
}
