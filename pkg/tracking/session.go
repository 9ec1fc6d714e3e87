// Package tracking implements the trip tracking core: the acquisition
// strategies that produce position fixes, and the session state machine
// that merges their outputs, computes distance to the destination and
// fires the arrival transition exactly once.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/geo"
	"github.com/safereach/safereach/pkg/logx"
)

// Phase is the session state. Arrived is terminal: a new trip constructs
// a fresh session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseArrived
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseArrived:
		return "arrived"
	default:
		return "invalid"
	}
}

// Update is delivered to the UI collaborator for every accepted fix.
type Update struct {
	Fix         pkg.GeoFix
	DistanceM   float64
	UpdateCount uint64
	ETA         time.Duration // advisory, valid only when ETAValid
	ETAValid    bool
}

// Callbacks is the UI collaborator surface. All callbacks are invoked
// outside the session lock; any may be nil.
type Callbacks struct {
	OnUpdate  func(Update)
	OnArrival func()
	OnWarning func(err error)
}

// SessionConfig holds session tunables.
type SessionConfig struct {
	UserID         string        `json:"user_id"`
	ArrivalMessage string        `json:"arrival_message"`
	PollInterval   time.Duration `json:"poll_interval"`
	SinkTimeout    time.Duration `json:"sink_timeout"`
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig(userID string) *SessionConfig {
	return &SessionConfig{
		UserID:         userID,
		ArrivalMessage: "SafeReach: user has safely reached their destination!",
		PollInterval:   PollInterval,
		SinkTimeout:    10 * time.Second,
	}
}

// SessionDeps collects the collaborators a session consumes. Position is
// required; everything else is optional.
type SessionDeps struct {
	Position   PositionProvider
	Background BackgroundProvider
	Power      PowerManager
	Lifecycle  *LifecycleNotifier
	Sinks      []FixSink
	Recorder   Recorder
	Estimator  ETAEstimator
}

// Session coordinates one trip's tracking from start to arrival or
// cancellation. It owns every acquisition handle below it: zero-or-one
// continuous subscription, zero-or-one poll timer and zero-or-one power
// hold, all released together on any exit from Active.
type Session struct {
	cfg    *SessionConfig
	deps   SessionDeps
	logger *logx.Logger

	mu             sync.Mutex
	phase          Phase
	tripID         string
	target         *pkg.TripTarget
	lastFix        *pkg.GeoFix
	updateCount    uint64
	continuous     Subscription
	continuousName string
	poll           Subscription
	hold           PowerHold
	unregister     func()
	cb             Callbacks
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewSession creates an idle session.
func NewSession(cfg *SessionConfig, deps SessionDeps, logger *logx.Logger) *Session {
	if cfg == nil {
		cfg = DefaultSessionConfig("")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = PollInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	return &Session{cfg: cfg, deps: deps, logger: logger}
}

// Start validates the target and enters the Active phase: it selects the
// continuous acquisition strategy, always layers the periodic poll on
// top, acquires the power hold best-effort and registers for lifecycle
// foreground events.
func (s *Session) Start(target *pkg.TripTarget, cb Callbacks) error {
	if target == nil {
		return &ValidationError{Detail: "missing trip target"}
	}
	if err := target.Validate(); err != nil {
		return &ValidationError{Detail: "bad trip target", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseIdle {
		return &ValidationError{Detail: "start is only valid from the idle phase, current phase is " + s.phase.String()}
	}

	// The target is copied so the caller cannot mutate recipients after
	// the trip started.
	t := *target
	t.Recipients = append([]string(nil), target.Recipients...)

	s.phase = PhaseActive
	s.tripID = uuid.New().String()
	s.target = &t
	s.lastFix = nil
	s.updateCount = 0
	s.cb = cb
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.deps.Estimator != nil {
		s.deps.Estimator.Reset()
	}

	if s.deps.Power != nil {
		hold, err := s.deps.Power.Acquire(s.ctx)
		if err != nil {
			s.logger.Warn("power_hold_unavailable", "error", err.Error())
		} else {
			s.hold = hold
		}
	}

	s.startAcquisitionLocked()
	s.startPollLocked()

	if s.deps.Lifecycle != nil {
		s.unregister = s.deps.Lifecycle.Register(s.OnForegrounded)
	}

	if s.deps.Recorder != nil {
		s.deps.Recorder.SessionStarted()
	}

	s.logger.LogStateChange("tracking_session", PhaseIdle.String(), PhaseActive.String(), "trip_started", map[string]interface{}{
		"trip_id":         s.tripID,
		"destination_lat": t.Latitude,
		"destination_lng": t.Longitude,
		"geofence_radius": t.GeofenceRadiusM,
		"recipient_count": len(t.Recipients),
		"strategy":        s.continuousName,
		"poll_interval_s": s.cfg.PollInterval.Seconds(),
	})

	return nil
}

// startAcquisitionLocked runs the fallback chain: background service
// first, foreground watch second. With neither available tracking
// proceeds on the periodic poll alone.
func (s *Session) startAcquisitionLocked() {
	bg := NewBackgroundServiceStrategy(s.deps.Background, s.logger)
	sub, err := bg.Subscribe(s.ctx, s.fixHandler(bg.Name()), s.errHandler(bg.Name()))
	if err == nil {
		s.continuous = sub
		s.continuousName = bg.Name()
		return
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.StrategyFailure(bg.Name(), ReasonOf(err))
	}
	s.logger.Warn("background_service_unavailable",
		"reason", string(ReasonOf(err)),
		"error", err.Error(),
	)

	fg := NewForegroundWatchStrategy(s.deps.Position, s.logger)
	sub, err = fg.Subscribe(s.ctx, s.fixHandler(fg.Name()), s.errHandler(fg.Name()))
	if err == nil {
		s.continuous = sub
		s.continuousName = fg.Name()
		return
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.StrategyFailure(fg.Name(), ReasonOf(err))
	}
	s.logger.Warn("foreground_watch_unavailable",
		"reason", string(ReasonOf(err)),
		"error", err.Error(),
	)

	s.continuous = nil
	s.continuousName = ""
	s.logger.Warn("continuous_acquisition_unavailable", "mode", "poll_only")
}

func (s *Session) startPollLocked() {
	poll := NewPeriodicPollStrategy(s.deps.Position, s.cfg.PollInterval, s.logger)
	sub, err := poll.Subscribe(s.ctx, s.fixHandler(poll.Name()), s.errHandler(poll.Name()))
	if err != nil {
		s.logger.Error("periodic_poll_setup_failed", "error", err.Error())
		return
	}
	s.poll = sub
}

func (s *Session) fixHandler(strategy string) FixCallback {
	return func(fix pkg.GeoFix) { s.handleFix(strategy, fix) }
}

func (s *Session) errHandler(strategy string) ErrorCallback {
	return func(err error) { s.handleStrategyError(strategy, err) }
}

// handleFix applies one incoming fix. Fixes delivered after stop or
// arrival are rejected by the phase guard; this closes the race where a
// source delivers between teardown being requested and the platform
// unsubscribe completing.
func (s *Session) handleFix(strategy string, fix pkg.GeoFix) {
	s.mu.Lock()
	if s.phase != PhaseActive {
		phase := s.phase
		s.mu.Unlock()
		s.logger.Debug("late_fix_discarded", "strategy", strategy, "phase", phase.String())
		return
	}

	if err := fix.Validate(); err != nil {
		cb := s.cb
		s.mu.Unlock()
		s.logger.Warn("invalid_fix_discarded", "strategy", strategy, "error", err.Error())
		if cb.OnWarning != nil {
			cb.OnWarning(err)
		}
		return
	}

	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	// Last-write-wins: fixes are applied as received, without reordering
	// by recency across sources.
	s.lastFix = &fix
	s.updateCount++

	distance := geo.Distance(fix.Latitude, fix.Longitude, s.target.Latitude, s.target.Longitude)

	update := Update{
		Fix:         fix,
		DistanceM:   distance,
		UpdateCount: s.updateCount,
	}
	if s.deps.Estimator != nil {
		s.deps.Estimator.Observe(fix.Timestamp, distance)
		update.ETA, update.ETAValid = s.deps.Estimator.ETA(fix.Timestamp)
	}

	cb := s.cb
	tripID := s.tripID
	arrived := distance <= s.target.GeofenceRadiusM
	var recipients []string
	if arrived {
		// The phase flips before any notification work so a concurrent
		// fix delivered while notifications run cannot re-trigger
		// arrival.
		s.phase = PhaseArrived
		recipients = s.target.Recipients
		s.teardownLocked()
		s.logger.LogStateChange("tracking_session", PhaseActive.String(), PhaseArrived.String(), "geofence_entered", map[string]interface{}{
			"trip_id":    tripID,
			"distance_m": distance,
			"radius_m":   s.target.GeofenceRadiusM,
			"strategy":   strategy,
		})
	}
	s.mu.Unlock()

	if s.deps.Recorder != nil {
		s.deps.Recorder.FixAccepted(strategy)
	}
	if cb.OnUpdate != nil {
		cb.OnUpdate(update)
	}
	s.publishFix(fix)

	if arrived {
		s.publishArrival(cb, tripID, recipients)
		if s.deps.Recorder != nil {
			s.deps.Recorder.SessionEnded(true)
		}
		if cb.OnArrival != nil {
			cb.OnArrival()
		}
	}
}

// handleStrategyError surfaces a runtime acquisition failure as a
// non-fatal warning. Poll failures are suppressed while the background
// service owns the tracking indicator, which already has its own error
// channel.
func (s *Session) handleStrategyError(strategy string, err error) {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return
	}
	cb := s.cb
	suppressed := strategy == "periodic_poll" && s.continuousName == "background_service"

	// A continuous subscription reporting Unavailable is dead: the
	// platform dropped it. Clear the handle so the next foreground event
	// re-runs strategy selection.
	if strategy == s.continuousName && ReasonOf(err) == ReasonUnavailable && s.continuous != nil {
		s.continuous.Cancel()
		s.continuous = nil
		s.continuousName = ""
		s.logger.Warn("continuous_subscription_dropped", "strategy", strategy)
	}
	s.mu.Unlock()

	if s.deps.Recorder != nil {
		s.deps.Recorder.StrategyFailure(strategy, ReasonOf(err))
	}
	s.logger.Warn("acquisition_update_failed",
		"strategy", strategy,
		"reason", string(ReasonOf(err)),
		"error", err.Error(),
	)
	if !suppressed && cb.OnWarning != nil {
		cb.OnWarning(err)
	}
}

// publishFix sends the fix to every sink, fire-and-forget. Publish
// failures are logged and never touch the state machine.
func (s *Session) publishFix(fix pkg.GeoFix) {
	for _, sink := range s.deps.Sinks {
		sink := sink
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
			defer cancel()
			if err := sink.PublishFix(ctx, s.cfg.UserID, fix); err != nil {
				ioErr := &TransientIOError{Op: "fix_publish", Err: err}
				s.logger.Warn("fix_publish_failed", "error", ioErr.Error())
			}
		}()
	}
}

// publishArrival makes one attempt per sink. Failures degrade to a
// user-visible transient I/O warning; the Arrived phase is never
// reverted.
func (s *Session) publishArrival(cb Callbacks, tripID string, recipients []string) {
	for _, sink := range s.deps.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
		err := sink.PublishArrival(ctx, s.cfg.UserID, tripID, s.cfg.ArrivalMessage, recipients)
		cancel()
		if err != nil {
			ioErr := &TransientIOError{Op: "arrival_notify", Err: err}
			s.logger.Warn("arrival_notification_failed", "error", ioErr.Error())
			if cb.OnWarning != nil {
				cb.OnWarning(ioErr)
			}
		}
	}
}

// Stop cancels an active trip. It tears down every strategy, the poll
// timer, the power hold and the lifecycle registration together, and
// never invokes OnArrival.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		phase := s.phase
		s.mu.Unlock()
		return &ValidationError{Detail: "stop is only valid while active, current phase is " + phase.String()}
	}
	tripID := s.tripID
	s.teardownLocked()
	s.phase = PhaseIdle
	s.mu.Unlock()

	if s.deps.Recorder != nil {
		s.deps.Recorder.SessionEnded(false)
	}
	s.logger.LogStateChange("tracking_session", PhaseActive.String(), PhaseIdle.String(), "user_cancel", map[string]interface{}{
		"trip_id": tripID,
	})
	return nil
}

// teardownLocked releases every owned handle. Teardown is total: a
// partial teardown (timer cleared but watch left running) is a defect.
func (s *Session) teardownLocked() {
	if s.poll != nil {
		s.poll.Cancel()
		s.poll = nil
	}
	if s.continuous != nil {
		s.continuous.Cancel()
		s.continuous = nil
	}
	s.continuousName = ""
	if s.hold != nil {
		s.hold.Release()
		s.hold = nil
	}
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// OnForegrounded re-runs strategy selection when the platform dropped
// the continuous subscription while the app was backgrounded. The update
// counter and last fix are preserved.
func (s *Session) OnForegrounded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseActive || s.continuous != nil {
		return
	}
	s.logger.Info("foreground_reacquire", "trip_id", s.tripID, "update_count", s.updateCount)
	s.startAcquisitionLocked()
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Phase          Phase       `json:"phase"`
	TripID         string      `json:"trip_id"`
	Strategy       string      `json:"strategy"`
	UpdateCount    uint64      `json:"update_count"`
	LastFix        *pkg.GeoFix `json:"last_fix,omitempty"`
	DistanceM      float64     `json:"distance_m"`
	DistanceKnown  bool        `json:"distance_known"`
	GeofenceRadius float64     `json:"geofence_radius"`
}

// Status reports the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Phase:       s.phase,
		TripID:      s.tripID,
		Strategy:    s.continuousName,
		UpdateCount: s.updateCount,
	}
	if s.target != nil {
		st.GeofenceRadius = s.target.GeofenceRadiusM
	}
	if s.lastFix != nil {
		fix := *s.lastFix
		st.LastFix = &fix
		if s.target != nil {
			st.DistanceM = geo.Distance(fix.Latitude, fix.Longitude, s.target.Latitude, s.target.Longitude)
			st.DistanceKnown = true
		}
	}
	return st
}
