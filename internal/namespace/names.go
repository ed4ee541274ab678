package namespace

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace name prefixes. The handler never relies on them — ownership
// always goes through the metadata row — but they keep ad-hoc psql sessions
// legible.
const (
	runtimePrefix = "state_"
	poolPrefix    = "state_pool_"
)

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RuntimeName generates a fresh runtime namespace name.
func RuntimeName() string {
	return runtimePrefix + randomSuffix()
}

// PoolName generates a fresh pool namespace name.
func PoolName() string {
	return poolPrefix + randomSuffix()
}
