package interceptor

import (
	"time"
)

// SchedulerConfig configures REMB packet scheduling.
type SchedulerConfig struct {
	// Interval is the regular REMB send interval (default: 1 second).
	Interval time.Duration

	// DecreaseThreshold is the minimum relative decrease to trigger immediate REMB.
	// Default: 0.03 (3% decrease triggers immediate send).
	DecreaseThreshold float64
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// scheduler decides when a REMB is due. It sends at regular intervals and
// immediately on significant decreases. Not safe for concurrent use.
type scheduler struct {
	config    SchedulerConfig
	lastSent  time.Time
	lastValue uint64
}

func newScheduler(config SchedulerConfig) *scheduler {
	return &scheduler{config: config}
}

// due reports whether a REMB for bitrate should be sent at now.
func (s *scheduler) due(bitrate uint64, now time.Time) bool {
	if s.lastValue > 0 && bitrate < s.lastValue {
		decrease := float64(s.lastValue-bitrate) / float64(s.lastValue)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

func (s *scheduler) record(bitrate uint64, now time.Time) {
	s.lastSent = now
	s.lastValue = bitrate
}
