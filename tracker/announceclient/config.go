package announceclient

import "time"

// Config tunes both the HTTP client's transport behavior and the
// Announcer's scheduling, per spec §4.9.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	NumWant   int           `yaml:"num_want"`

	// MinInterval and DefaultInterval bound the announce schedule: a
	// tracker's returned interval is clamped to at least MinInterval, and
	// DefaultInterval is used when a tracker response omits interval.
	MinInterval     time.Duration `yaml:"min_interval"`
	DefaultInterval time.Duration `yaml:"default_interval"`

	// BackoffBase and BackoffCap configure the exponential backoff applied
	// between retries after an announce to every tracker in every tier
	// fails.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "gobt/0.1.0"
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.MinInterval == 0 {
		c.MinInterval = 60 * time.Second
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 1800 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 15 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Minute
	}
	return c
}
