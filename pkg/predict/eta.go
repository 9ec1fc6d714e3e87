// Package predict estimates time to arrival from the trend of
// distance-to-destination samples. The estimate is advisory only; the
// arrival decision never depends on it.
package predict

import (
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/safereach/safereach/pkg/logx"
)

// Config holds estimator tunables.
type Config struct {
	MinSamples int           `json:"min_samples"` // samples required before estimating
	MaxSamples int           `json:"max_samples"` // sliding window size
	MaxAge     time.Duration `json:"max_age"`     // samples older than this are dropped
	MaxETA     time.Duration `json:"max_eta"`     // estimates beyond this are discarded as noise
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSamples: 3,
		MaxSamples: 20,
		MaxAge:     10 * time.Minute,
		MaxETA:     24 * time.Hour,
	}
}

type sample struct {
	at        time.Time
	distanceM float64
}

// Estimator fits a linear model of distance over elapsed time and
// extrapolates to the zero crossing. Implements tracking.ETAEstimator.
type Estimator struct {
	config *Config
	logger *logx.Logger

	mu      sync.Mutex
	samples []sample
	epoch   time.Time
}

// NewEstimator creates an empty estimator.
func NewEstimator(config *Config, logger *logx.Logger) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{config: config, logger: logger}
}

// Observe records one distance sample.
func (e *Estimator) Observe(at time.Time, distanceM float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch.IsZero() {
		e.epoch = at
	}
	e.samples = append(e.samples, sample{at: at, distanceM: distanceM})
	e.pruneLocked(at)
}

// ETA returns the estimated remaining travel time. The second return is
// false while too few samples exist or the distance trend is not
// closing on the destination.
func (e *Estimator) ETA(now time.Time) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneLocked(now)
	if len(e.samples) < e.config.MinSamples {
		return 0, false
	}

	r := new(regression.Regression)
	r.SetObserved("distance_m")
	r.SetVar(0, "elapsed_s")
	for _, s := range e.samples {
		r.Train(regression.DataPoint(s.distanceM, []float64{s.at.Sub(e.epoch).Seconds()}))
	}
	if err := r.Run(); err != nil {
		e.logger.Debug("eta_regression_failed", "error", err.Error())
		return 0, false
	}

	intercept := r.Coeff(0)
	slope := r.Coeff(1)
	if slope >= 0 {
		// Stationary or moving away; no meaningful estimate.
		return 0, false
	}

	zeroAt := -intercept / slope // seconds since epoch when distance hits zero
	remaining := time.Duration((zeroAt-now.Sub(e.epoch).Seconds())*1000) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	if remaining > e.config.MaxETA {
		return 0, false
	}
	return remaining, true
}

// Reset discards all samples, typically at the start of a new trip.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = nil
	e.epoch = time.Time{}
}

func (e *Estimator) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.config.MaxAge)
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
	if len(e.samples) > e.config.MaxSamples {
		e.samples = e.samples[len(e.samples)-e.config.MaxSamples:]
	}
}
