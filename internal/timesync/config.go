package timesync

import (
	"fmt"
	"time"
)

// Config holds the control-loop tuning. Every threshold is configuration;
// none is baked into the loop.
type Config struct {
	TickDuration       time.Duration
	MinPredictionLead  int           // ticks
	SafetyMargin       time.Duration // added to SRTT before converting to ticks
	InterpolationDelay int           // ticks behind the estimated server tick
	MaxExpectedLatency time.Duration // caps the interpolation delay
	CatchupThreshold   int           // ticks behind before interpolation jumps
	RollbackThreshold  int           // predict regression (ticks) classified as a large rollback
	MaxTimeScale       float64       // interpolation speed-up cap, 1.1 = 10% faster
	MaxStepsPerFrame   int
	MaxBatchTicks      int
}

// TickDurationForRate returns the tick length for rate ticks per second,
// rounded up to the next nanosecond.
func TickDurationForRate(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return (time.Second + time.Duration(rate) - 1) / time.Duration(rate)
}

func DefaultConfig() Config {
	return Config{
		TickDuration:       TickDurationForRate(60),
		MinPredictionLead:  2,
		InterpolationDelay: 2,
		MaxExpectedLatency: 500 * time.Millisecond,
		CatchupThreshold:   10,
		RollbackThreshold:  8,
		MaxTimeScale:       1.1,
		MaxStepsPerFrame:   4,
		MaxBatchTicks:      4,
	}
}

func (c Config) Validate() error {
	switch {
	case c.TickDuration <= 0:
		return fmt.Errorf("timesync: tick duration must be positive")
	case c.MinPredictionLead < 0 || c.InterpolationDelay < 0:
		return fmt.Errorf("timesync: leads and delays must not be negative")
	case c.RollbackThreshold <= 0:
		return fmt.Errorf("timesync: rollback threshold must be positive")
	case c.MaxTimeScale < 1:
		return fmt.Errorf("timesync: max time scale must be >= 1")
	case c.MaxStepsPerFrame < 1 || c.MaxBatchTicks < 1:
		return fmt.Errorf("timesync: step and batch caps must be >= 1")
	}
	return nil
}

// MaxInterpolationDelay converts MaxExpectedLatency to ticks.
func (c Config) MaxInterpolationDelay() int {
	if c.MaxExpectedLatency <= 0 {
		return c.InterpolationDelay
	}
	return int(ceilDiv(c.MaxExpectedLatency, c.TickDuration))
}

func ceilDiv(a, b time.Duration) int64 {
	if a <= 0 {
		return 0
	}
	return int64((a + b - 1) / b)
}
