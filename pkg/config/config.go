package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPortRange = errors.New("rtp port range is invalid")
)

type Config struct {
	LogLevel    string `yaml:"log_level,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	RTP   RTPConfig   `yaml:"rtp,omitempty"`
	Relay RelayConfig `yaml:"relay,omitempty"`
}

type RTPConfig struct {
	// UDP range used when a mountpoint does not pin explicit ports.
	PortRangeStart int `yaml:"port_range_start,omitempty"`
	PortRangeEnd   int `yaml:"port_range_end,omitempty"`
}

// RelayConfig carries the tunables of the forwarding engine. The defaults
// mirror long-standing deployment values; none of them is a protocol
// requirement.
type RelayConfig struct {
	// Helper workers spawned per mountpoint. 0 keeps forwarding on the
	// ingestion goroutine.
	HelperWorkers int `yaml:"helper_workers,omitempty"`

	// Window after the last valid packet during which a different SSRC on the
	// same socket is treated as a glitch and dropped.
	CollisionGuard time.Duration `yaml:"collision_guard,omitempty"`

	// Minimum spacing between upstream PLI sends; requests arriving faster
	// are coalesced.
	PLIInterval time.Duration `yaml:"pli_interval,omitempty"`

	// Minimum spacing between upstream REMB sends.
	REMBInterval time.Duration `yaml:"remb_interval,omitempty"`

	// An SVC spatial layer is considered alive if it received traffic within
	// this window; upscale never targets a dead layer.
	SVCActivityWindow time.Duration `yaml:"svc_activity_window,omitempty"`

	// A simulcast substream with no traffic for this long triggers fallback
	// to a lower substream.
	SimulcastFallback time.Duration `yaml:"simulcast_fallback,omitempty"`

	// RTSP-backed sources with no traffic for this long are torn down and
	// re-acquired.
	ReconnectThreshold time.Duration `yaml:"reconnect_threshold,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":7810",
		RTP: RTPConfig{
			PortRangeStart: 10000,
			PortRangeEnd:   60000,
		},
		Relay: RelayConfig{
			HelperWorkers:      0,
			CollisionGuard:     2 * time.Second,
			PLIInterval:        time.Second,
			REMBInterval:       time.Second,
			SVCActivityWindow:  250 * time.Millisecond,
			SimulcastFallback:  250 * time.Millisecond,
			ReconnectThreshold: 5 * time.Second,
		},
	}
}

// NewConfig parses a yaml document over the defaults.
func NewConfig(confString string) (*Config, error) {
	conf := DefaultConfig()
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// NewConfigFromFile reads and parses a yaml config file.
func NewConfigFromFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config at %s", path)
	}
	return NewConfig(string(content))
}

func (c *Config) Validate() error {
	if c.RTP.PortRangeStart <= 0 || c.RTP.PortRangeEnd <= c.RTP.PortRangeStart {
		return ErrInvalidPortRange
	}
	return nil
}
