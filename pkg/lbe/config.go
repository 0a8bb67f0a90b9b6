package lbe

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// SamplerConfig configures the periodic byte-counter sampler.
type SamplerConfig struct {
	// TickInterval is the period of the traffic sampling timer.
	// Default: 1 second.
	TickInterval time.Duration

	// MinSampleWindow is the shortest window that yields a usable rate.
	// Ticks arriving sooner than this after the previous sample point are
	// skipped without moving the baseline.
	// Default: 500ms.
	MinSampleWindow time.Duration

	// TrafficHighKbps is the instantaneous rate (either direction) above
	// which a radio-activity poll is warranted.
	// Default: 64 kbps (8 kB in a one second tick).
	TrafficHighKbps float64

	// AccumulatedBytesThreshold triggers a poll when the bytes accumulated
	// since the last poll reply reach it, even if no single tick was high.
	// Zero disables the accumulated trigger.
	// Default: 200 KiB.
	AccumulatedBytesThreshold int64
}

// PollerConfig configures radio-activity polling.
type PollerConfig struct {
	// MinPollInterval is the minimum spacing between two poll issuances.
	// Default: 5 seconds.
	MinPollInterval time.Duration

	// MaxActivityWindow bounds the wall-clock span between two activity
	// snapshots that may still form a sample. Longer spans re-baseline.
	// Default: 10 seconds.
	MaxActivityWindow time.Duration

	// MinSampleBytes is the minimum number of bytes a direction must move in
	// a poll window for its rate to be recorded.
	// Default: 16 KiB.
	MinSampleBytes int64

	// MaxRateToDefaultRatio discards a direction's rate when it exceeds this
	// multiple of the carrier default for the current technology.
	// Zero disables the cap.
	// Default: 15.
	MaxRateToDefaultRatio float64

	// PollTimeout re-arms the poll gate when a reply has not arrived within
	// this duration. Zero keeps an outstanding poll in flight until a reply
	// arrives.
	// Default: 0 (disabled).
	PollTimeout time.Duration
}

// StatsConfig configures the per-cell statistics store.
type StatsConfig struct {
	// CountThreshold is the number of samples needed before cell or
	// aggregate statistics are trusted over carrier defaults.
	// Default: 5.
	CountThreshold int

	// MaxTrackedCells bounds the number of (cell, technology) entries.
	// Default: 1024.
	MaxTrackedCells int

	// MinBlendWeight is the floor of the moving-average weight. The weight
	// of the n-th sample is max(1/n, MinBlendWeight).
	// Default: 0.125.
	MinBlendWeight float64

	// OutlierRatio clamps a new sample to [avg/OutlierRatio, avg*OutlierRatio]
	// before blending. Values <= 1 disable clamping.
	// Default: 4.
	OutlierRatio float64
}

// PublisherConfig configures estimate publication.
type PublisherConfig struct {
	// ChangeThresholdPercent is the minimum relative change, in percent of
	// the last published value, needed to republish. Zero publishes on any
	// change of the rounded kbps values.
	// Default: 0.
	ChangeThresholdPercent float64
}

// Config configures the complete estimator.
type Config struct {
	Sampler   SamplerConfig
	Poller    PollerConfig
	Stats     StatsConfig
	Publisher PublisherConfig
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() Config {
	return Config{
		Sampler: SamplerConfig{
			TickInterval:              time.Second,
			MinSampleWindow:           500 * time.Millisecond,
			TrafficHighKbps:           64,
			AccumulatedBytesThreshold: 200 * 1024,
		},
		Poller: PollerConfig{
			MinPollInterval:       5 * time.Second,
			MaxActivityWindow:     10 * time.Second,
			MinSampleBytes:        16 * 1024,
			MaxRateToDefaultRatio: 15,
		},
		Stats: StatsConfig{
			CountThreshold:  5,
			MaxTrackedCells: 1024,
			MinBlendWeight:  0.125,
			OutlierRatio:    4,
		},
	}
}

// withDefaults fills zero values with defaults. Negative values are left
// for Validate to report.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Sampler.TickInterval == 0 {
		c.Sampler.TickInterval = def.Sampler.TickInterval
	}
	if c.Sampler.MinSampleWindow == 0 {
		c.Sampler.MinSampleWindow = def.Sampler.MinSampleWindow
	}
	if c.Sampler.TrafficHighKbps == 0 {
		c.Sampler.TrafficHighKbps = def.Sampler.TrafficHighKbps
	}
	if c.Poller.MaxActivityWindow == 0 {
		c.Poller.MaxActivityWindow = def.Poller.MaxActivityWindow
	}
	if c.Stats.CountThreshold == 0 {
		c.Stats.CountThreshold = def.Stats.CountThreshold
	}
	if c.Stats.MaxTrackedCells == 0 {
		c.Stats.MaxTrackedCells = def.Stats.MaxTrackedCells
	}
	if c.Stats.MinBlendWeight == 0 {
		c.Stats.MinBlendWeight = def.Stats.MinBlendWeight
	}
	return c
}

// ErrInvalidConfig is wrapped by every error returned from Config.Validate.
var ErrInvalidConfig = errors.New("lbe: invalid config")

func invalid(field string, v any) error {
	return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, field, v)
}

func negative(field string, v any) error {
	return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidConfig, field, v)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var err error
	if c.Sampler.TickInterval <= 0 {
		err = multierr.Append(err, invalid("Sampler.TickInterval", c.Sampler.TickInterval))
	}
	if c.Sampler.MinSampleWindow <= 0 {
		err = multierr.Append(err, invalid("Sampler.MinSampleWindow", c.Sampler.MinSampleWindow))
	}
	if c.Sampler.TrafficHighKbps <= 0 {
		err = multierr.Append(err, invalid("Sampler.TrafficHighKbps", c.Sampler.TrafficHighKbps))
	}
	if c.Sampler.AccumulatedBytesThreshold < 0 {
		err = multierr.Append(err, negative("Sampler.AccumulatedBytesThreshold", c.Sampler.AccumulatedBytesThreshold))
	}
	if c.Poller.MinPollInterval < 0 {
		err = multierr.Append(err, negative("Poller.MinPollInterval", c.Poller.MinPollInterval))
	}
	if c.Poller.MaxActivityWindow <= 0 {
		err = multierr.Append(err, invalid("Poller.MaxActivityWindow", c.Poller.MaxActivityWindow))
	}
	if c.Poller.MinSampleBytes < 0 {
		err = multierr.Append(err, negative("Poller.MinSampleBytes", c.Poller.MinSampleBytes))
	}
	if c.Poller.MaxRateToDefaultRatio < 0 {
		err = multierr.Append(err, negative("Poller.MaxRateToDefaultRatio", c.Poller.MaxRateToDefaultRatio))
	}
	if c.Poller.PollTimeout < 0 {
		err = multierr.Append(err, negative("Poller.PollTimeout", c.Poller.PollTimeout))
	}
	if c.Stats.CountThreshold <= 0 {
		err = multierr.Append(err, invalid("Stats.CountThreshold", c.Stats.CountThreshold))
	}
	if c.Stats.MaxTrackedCells <= 0 {
		err = multierr.Append(err, invalid("Stats.MaxTrackedCells", c.Stats.MaxTrackedCells))
	}
	if c.Stats.MinBlendWeight <= 0 || c.Stats.MinBlendWeight > 1 {
		err = multierr.Append(err, fmt.Errorf("%w: Stats.MinBlendWeight must be in (0, 1], got %v",
			ErrInvalidConfig, c.Stats.MinBlendWeight))
	}
	if c.Publisher.ChangeThresholdPercent < 0 {
		err = multierr.Append(err, negative("Publisher.ChangeThresholdPercent", c.Publisher.ChangeThresholdPercent))
	}
	return err
}
