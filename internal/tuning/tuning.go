// Package tuning loads the optional host-local sidecar file that
// overrides a handful of runtime knobs too fine-grained for single
// letter command-line flags. It is read once at startup, matching the
// teacher's EDS-parsing precedent (gopkg.in/ini.v1) but over a small
// flat key set instead of object-dictionary sections.
package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the overridable knobs. Zero values mean "use the
// caller's default".
type Config struct {
	NoAckThreshold   int
	ListenOnlyDwell  time.Duration
	ReceiveBatchSize int
	RealtimePeriodMs int
}

// Load reads path if it exists and returns the overrides found in its
// [tuning] section. A missing file is not an error; Load returns a
// zero Config so every override falls back to the caller's default.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("tuning: loading %s: %w", path, err)
	}

	section := f.Section("tuning")
	cfg.NoAckThreshold = section.Key("no_ack_threshold").MustInt(0)
	cfg.ListenOnlyDwell = time.Duration(section.Key("listen_only_dwell_ms").MustInt(0)) * time.Millisecond
	cfg.ReceiveBatchSize = section.Key("receive_batch_size").MustInt(0)
	cfg.RealtimePeriodMs = section.Key("realtime_period_ms").MustInt(0)
	return cfg, nil
}
