package tracking

import (
	"context"
	"time"

	"github.com/safereach/safereach/pkg"
)

// FixCallback delivers one acquired fix. Strategies call it from their
// own goroutines; the session serializes all deliveries internally.
type FixCallback func(fix pkg.GeoFix)

// ErrorCallback delivers a non-fatal per-update failure from a running
// strategy.
type ErrorCallback func(err error)

// WatchID identifies one continuous foreground watch registration.
type WatchID int64

// WatcherID identifies one background watcher registration.
type WatcherID int64

// WatchOptions configures a one-shot position request or a continuous
// foreground watch.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration // per-request acquisition timeout
	MaxFixAge    time.Duration // cached fix newer than this may be reused
}

// WatcherConfig configures an OS-level background tracking subscription.
type WatcherConfig struct {
	HighAccuracy  bool
	MinDistanceM  float64       // minimum movement between updates
	Interval      time.Duration // update cadence
	ShowIndicator bool          // user-visible "tracking active" indication
}

// PositionProvider is the permission/position collaborator the core
// consumes. GetCurrentFix honors the per-call timeout in opts independent
// of ctx. Watch and AddWatcher must deliver callbacks asynchronously,
// never from inside the registration call itself.
type PositionProvider interface {
	RequestPermission(ctx context.Context) (bool, error)
	GetCurrentFix(ctx context.Context, opts WatchOptions) (*pkg.GeoFix, error)
	Watch(opts WatchOptions, onFix FixCallback, onError ErrorCallback) (WatchID, error)
	ClearWatch(id WatchID)
}

// BackgroundProvider is the optional background-capable collaborator.
// AddWatcher fails with ReasonUnavailable when the capability is absent
// and ReasonPermissionDenied when background tracking was not granted.
type BackgroundProvider interface {
	AddWatcher(cfg WatcherConfig, onFix FixCallback, onError ErrorCallback) (WatcherID, error)
	RemoveWatcher(id WatcherID)
}

// FixSink is the network collaborator: fire-and-forget per-fix publishing
// and a one-shot arrival notification. The trip ID identifies the trip
// the arrival belongs to, so sinks that deduplicate do it per trip.
// Errors are logged by the session and never unwind its state machine.
type FixSink interface {
	PublishFix(ctx context.Context, userID string, fix pkg.GeoFix) error
	PublishArrival(ctx context.Context, userID, tripID, message string, recipients []string) error
}

// PowerHold is a best-effort wake hold. Release is idempotent: releasing
// an already-released hold is a no-op.
type PowerHold interface {
	Release()
}

// PowerManager acquires wake holds for the lifetime of an active session.
type PowerManager interface {
	Acquire(ctx context.Context) (PowerHold, error)
}

// Recorder receives session counters. Implemented by pkg/metrics; a nil
// recorder disables instrumentation.
type Recorder interface {
	FixAccepted(strategy string)
	StrategyFailure(strategy string, reason FailureReason)
	SessionStarted()
	SessionEnded(arrived bool)
}

// ETAEstimator consumes accepted fixes and produces an advisory arrival
// estimate. Implemented by pkg/predict.
type ETAEstimator interface {
	Observe(at time.Time, distanceM float64)
	ETA(now time.Time) (time.Duration, bool)
	Reset()
}
