package mprepair

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/mprepair/internal/clock"
	"pkt.systems/mprepair/internal/hsid"
)

const (
	// DefaultTimeout bounds how long a simulation waits for the promotion
	// before cancelling it.
	DefaultTimeout = 10 * time.Second
	// DefaultDrainTimeout bounds how long in-flight repairs may take to
	// reach every survivor after the promotion resolves.
	DefaultDrainTimeout = 5 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config controls a simulation run and the process telemetry around it.
type Config struct {
	// Scenario is the path of the scenario to run when none is passed to
	// RunSimulation directly.
	Scenario string
	// Leader overrides the scenario's leader address ("host:site").
	Leader string
	// Timeout bounds the wait for the promotion result.
	Timeout time.Duration
	// DrainTimeout bounds the wait for in-flight repairs.
	DrainTimeout time.Duration
	// Seed seeds every survivor's shuffle. Survivor i uses Seed+i.
	Seed int64
	// Shuffle forces shuffled responses from every survivor.
	Shuffle bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// Clock seeds promotion request ids. Defaults to clock.Real.
	Clock clock.Clock
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.Scenario = strings.TrimSpace(c.Scenario)
	c.Leader = strings.TrimSpace(c.Leader)
	if c.Leader != "" {
		if _, err := hsid.Parse(c.Leader); err != nil {
			return fmt.Errorf("config: leader: %w", err)
		}
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	} else if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be >= 0")
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	} else if c.DrainTimeout < 0 {
		return fmt.Errorf("config: drain timeout must be >= 0")
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: otlp endpoint: %w", err)
		}
	}
	c.Clock = clock.Ensure(c.Clock)
	return nil
}

// LeaderOverride returns the parsed Leader override, if any.
func (c Config) LeaderOverride() (hsid.HSID, bool) {
	if c.Leader == "" {
		return 0, false
	}
	id, err := hsid.Parse(c.Leader)
	if err != nil {
		return 0, false
	}
	return id, true
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.mprepair), honouring MPREPAIR_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MPREPAIR_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mprepair"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
