package cluster

import (
	"time"

	"github.com/ajitek/oxen/pkg/reachability"
	"github.com/ajitek/oxen/pkg/reliability"
)

// Config is the full tunables surface plus the timer-check resolution. The
// local identity is passed to New separately.
type Config struct {
	Reachability reachability.Tunables
	Reliability  reliability.Tunables

	// CronResolution is how often the orchestrator checks its three
	// periodic timers against their own intervals; it must be no coarser
	// than the shortest of them.
	CronResolution time.Duration
}

// DefaultConfig returns the engine's defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Reachability:   reachability.DefaultTunables(),
		Reliability:    reliability.DefaultTunables(),
		CronResolution: time.Second,
	}
}
