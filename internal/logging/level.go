package logging

import (
	"fmt"
	"strings"
	"sync"
)

// LogLevel orders severities; higher values are more severe.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the canonical upper-case name of the level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel converts a case-insensitive level name to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return -1, fmt.Errorf("invalid log level %q (must be debug, info, warn, error, or fatal)", s)
	}
}

// packageLevels holds per-component overrides keyed by exact name or a
// "prefix.*" pattern. Guarded by packageMu.
var (
	packageLevels = make(map[string]LogLevel)
	packageMu     sync.RWMutex
)

// SetPackageLevels replaces all per-package level overrides. Keys are either
// exact component names ("snapshot.differ") or wildcard patterns ("snapshot.*").
func SetPackageLevels(levels map[string]string) error {
	if levels == nil {
		return nil
	}
	parsed := make(map[string]LogLevel, len(levels))
	for pkg, s := range levels {
		level, err := ParseLevel(s)
		if err != nil {
			return fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
		parsed[pkg] = level
	}
	packageMu.Lock()
	packageLevels = parsed
	packageMu.Unlock()
	return nil
}

// ResetPackageLevels clears all overrides. Used by tests.
func ResetPackageLevels() {
	packageMu.Lock()
	packageLevels = make(map[string]LogLevel)
	packageMu.Unlock()
}

// packageLevel resolves the override for a component name. Exact matches win
// over wildcard patterns; among patterns the longest (most specific) wins.
func packageLevel(name string) (LogLevel, bool) {
	packageMu.RLock()
	defer packageMu.RUnlock()

	if level, ok := packageLevels[name]; ok {
		return level, true
	}

	bestLen := -1
	var best LogLevel
	for pattern, level := range packageLevels {
		if !strings.HasSuffix(pattern, ".*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, ".*")
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			if len(pattern) > bestLen {
				bestLen = len(pattern)
				best = level
			}
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return 0, false
}
