package shm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// MaxCapacity is the largest ring capacity accepted by Config.Validate.
const MaxCapacity = 1 << 20

// Config describes a channel and how to establish it.
type Config struct {
	// Name of the channel. Object names are derived from it.
	Name string
	// Capacity is the number of slots in the ring.
	Capacity int
	// Dir holds the POSIX shared objects. Empty means DefaultDir().
	Dir string
	// ConnectionTimeout bounds how long Open waits for the bootstrap lock.
	ConnectionTimeout time.Duration
	// RetryInterval is the pause between bootstrap lock attempts.
	RetryInterval time.Duration
	// PollInterval caps a single blocking wait inside a semaphore acquire, and
	// so bounds how long a cancelled context takes to be noticed.
	PollInterval time.Duration
	// Unlink removes the region, semaphores and lock file on Close.
	Unlink bool
}

// DefaultConfig returns the reference configuration: a two-slot ring named
// "shm_table".
func DefaultConfig() Config {
	return Config{
		Name:              "shm_table",
		Capacity:          2,
		ConnectionTimeout: 10 * time.Second,
		RetryInterval:     100 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
	}
}

// Validate reports the first problem with c, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	case strings.ContainsAny(c.Name, `/\`):
		return fmt.Errorf("%w: name %q contains a path separator", ErrInvalidConfig, c.Name)
	case c.Capacity < 1:
		return fmt.Errorf("%w: capacity %d < 1", ErrInvalidConfig, c.Capacity)
	case c.Capacity > MaxCapacity:
		return fmt.Errorf("%w: capacity %d > %d", ErrInvalidConfig, c.Capacity, MaxCapacity)
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: connection timeout must be positive", ErrInvalidConfig)
	case c.RetryInterval <= 0:
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) dir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return DefaultDir()
}

// configFile is the JSON shape of a config file. Pointer fields tell an
// absent key apart from a zero value.
type configFile struct {
	Name              *string `json:"name"`
	Capacity          *int    `json:"capacity"`
	Dir               *string `json:"dir"`
	ConnectionTimeout *string `json:"connection_timeout"`
	RetryInterval     *string `json:"retry_interval"`
	PollInterval      *string `json:"poll_interval"`
	Unlink            *bool   `json:"unlink"`
}

// LoadConfigFile reads a JSON config file and applies it on top of
// DefaultConfig. Durations are Go duration strings such as "250ms".
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.UnmarshalJSON(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalJSON applies the keys present in data to c, leaving the others
// unchanged.
func (c *Config) UnmarshalJSON(data []byte) error {
	var f configFile
	if err := sonnet.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Name != nil {
		c.Name = *f.Name
	}
	if f.Capacity != nil {
		c.Capacity = *f.Capacity
	}
	if f.Dir != nil {
		c.Dir = *f.Dir
	}
	if f.Unlink != nil {
		c.Unlink = *f.Unlink
	}
	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"connection_timeout", f.ConnectionTimeout, &c.ConnectionTimeout},
		{"retry_interval", f.RetryInterval, &c.RetryInterval},
		{"poll_interval", f.PollInterval, &c.PollInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// MarshalJSON writes c in the config file format.
func (c Config) MarshalJSON() ([]byte, error) {
	ct := c.ConnectionTimeout.String()
	ri := c.RetryInterval.String()
	pi := c.PollInterval.String()
	return sonnet.Marshal(configFile{
		Name:              &c.Name,
		Capacity:          &c.Capacity,
		Dir:               &c.Dir,
		ConnectionTimeout: &ct,
		RetryInterval:     &ri,
		PollInterval:      &pi,
		Unlink:            &c.Unlink,
	})
}
