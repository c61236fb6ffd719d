// Package capture ties the wire layer into a live camera session: discovery
// scanning, vendor event sources, the serialized photo download pipeline and
// the ordered delegate stream consumed by the application.
package capture

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"framefast.app/ptpkit/ptp"
)

// Config carries every tunable of the capture core. The zero value is not
// usable; start from DefaultConfig or LoadConfig.
type Config struct {
	// HostName is shown on the camera's pairing confirmation screen.
	HostName string

	// CommandTimeout bounds a command response on the command channel.
	CommandTimeout time.Duration
	// EventPollTimeout bounds one read on the event channel or one vendor
	// event poll.
	EventPollTimeout time.Duration

	// Canon adaptive polling: the poll interval starts at Min, grows by Step
	// for every empty poll up to Max, and snaps back to Min when a poll
	// yields events.
	CanonPollMin  time.Duration
	CanonPollMax  time.Duration
	CanonPollStep time.Duration

	// NikonPollInterval is the fixed cadence for Nikon 0x90C7 polling.
	NikonPollInterval time.Duration
	// NikonEvents enables the Nikon vendor poll source. The record layout is
	// modeled on Canon rather than captured traffic; turning this off falls
	// back to the generic event-channel source.
	NikonEvents bool

	// RawPolicy decides whether RAW captures are downloaded or skipped.
	RawPolicy RawPolicy

	// ChunkSize is the GetPartialObject read size for vendors that support
	// partial transfers.
	ChunkSize uint32

	// SonyGateAttempts and SonyGateInterval budget the object-in-memory
	// property poll for one capture.
	SonyGateAttempts int
	SonyGateInterval time.Duration
	// SonyPropFallback is the ordered list of operations used to read the
	// object-in-memory property. The default ordering avoids stale cached
	// values on the bodies we have logs for, but it is empirical; keep it
	// configurable.
	SonyPropFallback []ptp.OperationCode

	// Scanner behavior: number of waves, pause between empty waves, per-IP
	// dial retry policy and handshake timeout, and the probe pool bound.
	ScanWaves        int
	ScanWaveDelay    time.Duration
	ScanIPRetries    int
	ScanIPRetryDelay time.Duration
	ScanIPTimeout    time.Duration
	ScanConcurrency  int
}

// RawPolicy selects what happens to RAW-format captures.
type RawPolicy string

const (
	// JpegOnly skips RAW captures and reports them through the delegate.
	JpegOnly RawPolicy = "jpeg_only"
	// KeepAll downloads RAW captures like any other.
	KeepAll RawPolicy = "keep_all"
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HostName:          "framefast",
		CommandTimeout:    10 * time.Second,
		EventPollTimeout:  1 * time.Second,
		CanonPollMin:      50 * time.Millisecond,
		CanonPollMax:      200 * time.Millisecond,
		CanonPollStep:     50 * time.Millisecond,
		NikonPollInterval: 200 * time.Millisecond,
		NikonEvents:       true,
		RawPolicy:         JpegOnly,
		ChunkSize:         512 << 10,
		SonyGateAttempts:  20,
		SonyGateInterval:  250 * time.Millisecond,
		SonyPropFallback: []ptp.OperationCode{
			ptp.OC_Sony_GetAllDevicePropData,
			ptp.OC_Sony_GetDevicePropDesc,
			ptp.OC_GetDevicePropDesc,
		},
		ScanWaves:        3,
		ScanWaveDelay:    3 * time.Second,
		ScanIPRetries:    3,
		ScanIPRetryDelay: 500 * time.Millisecond,
		ScanIPTimeout:    2 * time.Second,
		ScanConcurrency:  8,
	}
}

// fileConfig is the YAML schema. Durations are plain millisecond integers
// so config files stay toolable; they map onto the Config durations.
type fileConfig struct {
	HostName          string   `yaml:"host_name"`
	CommandTimeoutMs  int      `yaml:"command_timeout_ms"`
	EventPollTimeoutMs int     `yaml:"event_poll_timeout_ms"`
	CanonPollMinMs    int      `yaml:"canon_poll_min_ms"`
	CanonPollMaxMs    int      `yaml:"canon_poll_max_ms"`
	CanonPollStepMs   int      `yaml:"canon_poll_step_ms"`
	NikonPollIntervalMs int    `yaml:"nikon_poll_interval_ms"`
	NikonEvents       *bool    `yaml:"nikon_events"`
	RawPolicy         string   `yaml:"raw_policy"`
	ChunkSize         uint32   `yaml:"chunk_size"`
	SonyGateAttempts  int      `yaml:"sony_gate_attempts"`
	SonyGateIntervalMs int     `yaml:"sony_gate_interval_ms"`
	SonyPropFallback  []uint16 `yaml:"sony_prop_fallback"`
	ScanWaves         int      `yaml:"scan_waves"`
	ScanWaveDelayMs   int      `yaml:"scan_wave_delay_ms"`
	ScanIPRetries     int      `yaml:"scan_ip_retries"`
	ScanIPRetryDelayMs int     `yaml:"scan_ip_retry_delay_ms"`
	ScanIPTimeoutMs   int      `yaml:"scan_ip_timeout_ms"`
	ScanConcurrency   int      `yaml:"scan_concurrency"`
}

// LoadConfig reads a YAML config file; anything left unset falls back to
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	if fc.HostName != "" {
		cfg.HostName = fc.HostName
	}
	if fc.CommandTimeoutMs > 0 {
		cfg.CommandTimeout = ms(fc.CommandTimeoutMs)
	}
	if fc.EventPollTimeoutMs > 0 {
		cfg.EventPollTimeout = ms(fc.EventPollTimeoutMs)
	}
	if fc.CanonPollMinMs > 0 {
		cfg.CanonPollMin = ms(fc.CanonPollMinMs)
	}
	if fc.CanonPollMaxMs > 0 {
		cfg.CanonPollMax = ms(fc.CanonPollMaxMs)
	}
	if fc.CanonPollStepMs > 0 {
		cfg.CanonPollStep = ms(fc.CanonPollStepMs)
	}
	if fc.NikonPollIntervalMs > 0 {
		cfg.NikonPollInterval = ms(fc.NikonPollIntervalMs)
	}
	if fc.NikonEvents != nil {
		cfg.NikonEvents = *fc.NikonEvents
	}
	if fc.RawPolicy != "" {
		cfg.RawPolicy = RawPolicy(fc.RawPolicy)
	}
	if fc.ChunkSize > 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.SonyGateAttempts > 0 {
		cfg.SonyGateAttempts = fc.SonyGateAttempts
	}
	if fc.SonyGateIntervalMs > 0 {
		cfg.SonyGateInterval = ms(fc.SonyGateIntervalMs)
	}
	if len(fc.SonyPropFallback) > 0 {
		cfg.SonyPropFallback = cfg.SonyPropFallback[:0]
		for _, op := range fc.SonyPropFallback {
			cfg.SonyPropFallback = append(cfg.SonyPropFallback, ptp.OperationCode(op))
		}
	}
	if fc.ScanWaves > 0 {
		cfg.ScanWaves = fc.ScanWaves
	}
	if fc.ScanWaveDelayMs > 0 {
		cfg.ScanWaveDelay = ms(fc.ScanWaveDelayMs)
	}
	if fc.ScanIPRetries > 0 {
		cfg.ScanIPRetries = fc.ScanIPRetries
	}
	if fc.ScanIPRetryDelayMs > 0 {
		cfg.ScanIPRetryDelay = ms(fc.ScanIPRetryDelayMs)
	}
	if fc.ScanIPTimeoutMs > 0 {
		cfg.ScanIPTimeout = ms(fc.ScanIPTimeoutMs)
	}
	if fc.ScanConcurrency > 0 {
		cfg.ScanConcurrency = fc.ScanConcurrency
	}
	cfg.normalize()
	return cfg, nil
}

// normalize pulls zeroed fields back to their defaults so a sparse YAML file
// cannot produce busy-loops or unbounded waits.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.HostName == "" {
		c.HostName = d.HostName
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.EventPollTimeout <= 0 {
		c.EventPollTimeout = d.EventPollTimeout
	}
	if c.CanonPollMin <= 0 {
		c.CanonPollMin = d.CanonPollMin
	}
	if c.CanonPollMax < c.CanonPollMin {
		c.CanonPollMax = d.CanonPollMax
	}
	if c.CanonPollStep <= 0 {
		c.CanonPollStep = d.CanonPollStep
	}
	if c.NikonPollInterval <= 0 {
		c.NikonPollInterval = d.NikonPollInterval
	}
	if c.RawPolicy != JpegOnly && c.RawPolicy != KeepAll {
		c.RawPolicy = d.RawPolicy
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.SonyGateAttempts <= 0 {
		c.SonyGateAttempts = d.SonyGateAttempts
	}
	if c.SonyGateInterval <= 0 {
		c.SonyGateInterval = d.SonyGateInterval
	}
	if len(c.SonyPropFallback) == 0 {
		c.SonyPropFallback = d.SonyPropFallback
	}
	if c.ScanWaves <= 0 {
		c.ScanWaves = d.ScanWaves
	}
	if c.ScanWaveDelay <= 0 {
		c.ScanWaveDelay = d.ScanWaveDelay
	}
	if c.ScanIPRetries <= 0 {
		c.ScanIPRetries = d.ScanIPRetries
	}
	if c.ScanIPRetryDelay <= 0 {
		c.ScanIPRetryDelay = d.ScanIPRetryDelay
	}
	if c.ScanIPTimeout <= 0 {
		c.ScanIPTimeout = d.ScanIPTimeout
	}
	if c.ScanConcurrency <= 0 {
		c.ScanConcurrency = d.ScanConcurrency
	}
}
