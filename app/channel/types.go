package channel

import (
	"time"

	"github.com/lysyi3m/tg-comb/app/source"
)

type Config struct {
	Name     string              // Derived from filename (without .yml extension)
	Username string              `yaml:"username"` // public channel username, defaults to Name
	Listen   bool                `yaml:"listen"`
	Proxy    *source.ProxyConfig `yaml:"proxy"`
	Backfill BackfillSettings    `yaml:"backfill"`
}

type BackfillSettings struct {
	Limit     int `yaml:"limit"`      // 0 disables backfill
	SinceDays int `yaml:"since_days"` // look-back window
	Interval  int `yaml:"interval"`   // seconds, 0 runs only at startup
}

// Since returns the start of the look-back window relative to now.
func (b BackfillSettings) Since(now time.Time) time.Time {
	return now.AddDate(0, 0, -b.SinceDays)
}

func (b BackfillSettings) Enabled() bool {
	return b.Limit > 0
}

func (b BackfillSettings) Periodic() bool {
	return b.Enabled() && b.Interval > 0
}
