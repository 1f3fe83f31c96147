// Package cache implements the presence-based cache gate. A stage whose
// target artifact already exists is skipped when caching is enabled; the gate
// never compares content or input fingerprints.
package cache

import (
	"os"

	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// Producer builds a target artifact and returns its path.
type Producer func() (string, error)

// Hit reports whether the gate would skip the target.
func Hit(target string, enabled bool) bool {
	if !enabled || target == "" {
		return false
	}
	_, err := os.Stat(target)
	return err == nil
}

// MaybeSkip returns target without invoking produce when caching is enabled
// and the target exists. Otherwise it returns whatever produce returns.
// Stale targets are not detected: deleting the target, or running with
// caching disabled, is the only way to force a rebuild.
func MaybeSkip(logger *telemetry.Logger, target string, enabled bool, produce Producer) (string, error) {
	if Hit(target, enabled) {
		if logger != nil {
			logger.WithField("target", target).Info("cache hit, skipping")
		}
		return target, nil
	}
	return produce()
}
