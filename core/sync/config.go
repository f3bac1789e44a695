package sync

import (
	"errors"
	"time"
)

// Default source pools. Both lists are deliberately small and diverse;
// quorum intersection, not list size, provides the tamper resistance.
var (
	DefaultNTPServers = []string{
		"time.google.com",
		"time.cloudflare.com",
		"time.apple.com",
	}
	DefaultHTTPSSources = []string{
		"https://www.google.com",
		"https://www.cloudflare.com",
		"https://www.apple.com",
	}
)

const (
	DefaultRefreshInterval   = 24 * time.Hour
	DefaultMaxRequestLatency = 2 * time.Second
	DefaultMinimumQuorum     = 2
)

type Config struct {
	NTPServers        []string
	HTTPSSources      []string
	RefreshInterval   time.Duration
	MaxRequestLatency time.Duration
	MinimumQuorum     int
}

// WithDefaults fills unset fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.NTPServers == nil {
		c.NTPServers = DefaultNTPServers
	}
	if c.HTTPSSources == nil {
		c.HTTPSSources = DefaultHTTPSSources
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.MaxRequestLatency == 0 {
		c.MaxRequestLatency = DefaultMaxRequestLatency
	}
	if c.MinimumQuorum == 0 {
		c.MinimumQuorum = DefaultMinimumQuorum
	}
	return c
}

func (c Config) validate() error {
	if c.MinimumQuorum < 2 {
		return errors.New("minimum quorum must be >= 2")
	}
	if c.RefreshInterval <= 0 || c.MaxRequestLatency <= 0 {
		return errors.New("refresh interval and max request latency must be positive")
	}
	return nil
}
