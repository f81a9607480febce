package faildetector

import "time"

// Config carries the failure detector's tunables (§6 "probe_interval_us,
// probe_timeout_us, stale_server_list_us"). The wire names are
// microsecond-valued integers; this repo carries them as time.Duration,
// which is the idiomatic Go rendition the teacher's own configs use for
// every interval-shaped knob.
type Config struct {
	ProbeInterval time.Duration `help:"interval between failure-detector probes" default:"50ms"`
	ProbeTimeout  time.Duration `help:"per-RPC deadline for probe, hint, and refresh calls" default:"200ms"`

	// StaleTimeout bounds how long a suspected-stale directory view is
	// tolerated before a fresh push is requested (§4.6 "after
	// STALE_TIMEOUT, request a fresh directory push").
	StaleTimeout time.Duration `help:"how long suspected staleness is tolerated before refreshing the directory" default:"2s"`
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 50 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 200 * time.Millisecond
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 2 * time.Second
	}
	return c
}
