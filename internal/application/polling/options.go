package polling

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Options struct {
	BaseDelay    time.Duration
	GrowthFactor float64
	CapDelay     time.Duration
	MaxAttempts  int
	// Timeout is the wall-clock budget for the whole loop.
	Timeout time.Duration
	// AttemptTimeout bounds a single upstream status call.
	AttemptTimeout time.Duration
	// NotFoundThreshold consecutive NotFound answers end the loop as failed.
	NotFoundThreshold int
}

func DefaultOptions() Options {
	return Options{
		BaseDelay:         3 * time.Second,
		GrowthFactor:      1.4,
		CapDelay:          30 * time.Second,
		MaxAttempts:       20,
		Timeout:           10 * time.Minute,
		AttemptTimeout:    10 * time.Second,
		NotFoundThreshold: 3,
	}
}

// Merge fills every zero field of o from def.
func (o Options) Merge(def Options) Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.GrowthFactor < 1 {
		o.GrowthFactor = def.GrowthFactor
	}
	if o.CapDelay <= 0 {
		o.CapDelay = def.CapDelay
	}
	if o.CapDelay < o.BaseDelay {
		o.CapDelay = o.BaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = def.AttemptTimeout
	}
	if o.NotFoundThreshold <= 0 {
		o.NotFoundThreshold = def.NotFoundThreshold
	}
	return o
}

// schedule yields the wait before attempts 1, 2, ...:
// min(BaseDelay * GrowthFactor^n, CapDelay), without jitter.
func (o Options) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(float64(o.BaseDelay) * o.GrowthFactor),
		RandomizationFactor: 0,
		Multiplier:          o.GrowthFactor,
		MaxInterval:         o.CapDelay,
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Reset()
	return b
}

// Delays lists the waits a full run of MaxAttempts would take.
func (o Options) Delays() []time.Duration {
	if o.MaxAttempts <= 1 {
		return nil
	}
	b := o.schedule()
	out := make([]time.Duration, 0, o.MaxAttempts-1)
	for i := 1; i < o.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
