package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

// Acquisition tuning. The background watcher and the periodic poll share
// the 15 s cadence; one-shot requests carry their own 10 s timeout
// independent of it.
const (
	BackgroundInterval     = 15 * time.Second
	BackgroundMinDistanceM = 10.0
	WatchTimeout           = 10 * time.Second
	WatchMaxFixAge         = 5 * time.Second
	PollInterval           = 15 * time.Second
	PollTimeout            = 10 * time.Second
)

// Strategy is one mechanism for obtaining fixes. Subscribe starts the
// underlying acquisition and returns a cancelable subscription; setup
// failures carry a FailureReason so the session can decide whether to
// fall back to the next strategy.
type Strategy interface {
	Name() string
	Subscribe(ctx context.Context, onFix FixCallback, onError ErrorCallback) (Subscription, error)
}

// Subscription owns one running acquisition. Cancel is idempotent and
// must not deliver further events once it returns, beyond callbacks
// already in flight (the session's phase guard absorbs those).
type Subscription interface {
	Cancel()
}

type cancelFunc struct {
	once   sync.Once
	cancel func()
}

func (c *cancelFunc) Cancel() { c.once.Do(c.cancel) }

// BackgroundServiceStrategy requests a persistent OS-level tracking
// subscription from the background-capable provider. While subscribed it
// is the sole owner of the permanent-presence indicator.
type BackgroundServiceStrategy struct {
	provider BackgroundProvider
	logger   *logx.Logger
}

// NewBackgroundServiceStrategy wraps the optional background provider;
// provider may be nil, in which case Subscribe reports Unavailable.
func NewBackgroundServiceStrategy(provider BackgroundProvider, logger *logx.Logger) *BackgroundServiceStrategy {
	return &BackgroundServiceStrategy{provider: provider, logger: logger}
}

func (s *BackgroundServiceStrategy) Name() string { return "background_service" }

func (s *BackgroundServiceStrategy) Subscribe(ctx context.Context, onFix FixCallback, onError ErrorCallback) (Subscription, error) {
	if s.provider == nil {
		return nil, NewAcquisitionError(ReasonUnavailable, "no background-capable provider", nil)
	}

	cfg := WatcherConfig{
		HighAccuracy:  true,
		MinDistanceM:  BackgroundMinDistanceM,
		Interval:      BackgroundInterval,
		ShowIndicator: true,
	}

	id, err := s.provider.AddWatcher(cfg, func(fix pkg.GeoFix) {
		fix.Source = s.Name()
		onFix(fix)
	}, onError)
	if err != nil {
		return nil, err
	}

	s.logger.Info("background_watcher_added", "watcher_id", int64(id), "interval_s", cfg.Interval.Seconds())
	return &cancelFunc{cancel: func() {
		s.provider.RemoveWatcher(id)
		s.logger.Debug("background_watcher_removed", "watcher_id", int64(id))
	}}, nil
}

// ForegroundWatchStrategy runs a continuous position-change subscription.
// It stops delivering once the process is fully suspended by the OS; the
// session's lifecycle hook re-establishes it on foreground.
type ForegroundWatchStrategy struct {
	provider PositionProvider
	logger   *logx.Logger
}

func NewForegroundWatchStrategy(provider PositionProvider, logger *logx.Logger) *ForegroundWatchStrategy {
	return &ForegroundWatchStrategy{provider: provider, logger: logger}
}

func (s *ForegroundWatchStrategy) Name() string { return "foreground_watch" }

func (s *ForegroundWatchStrategy) Subscribe(ctx context.Context, onFix FixCallback, onError ErrorCallback) (Subscription, error) {
	granted, err := s.provider.RequestPermission(ctx)
	if err != nil {
		return nil, NewAcquisitionError(ReasonUnknown, "permission request failed", err)
	}
	if !granted {
		return nil, NewAcquisitionError(ReasonPermissionDenied, "location permission denied", nil)
	}

	opts := WatchOptions{
		HighAccuracy: true,
		Timeout:      WatchTimeout,
		MaxFixAge:    WatchMaxFixAge,
	}

	id, err := s.provider.Watch(opts, func(fix pkg.GeoFix) {
		fix.Source = s.Name()
		onFix(fix)
	}, onError)
	if err != nil {
		return nil, err
	}

	s.logger.Info("foreground_watch_started", "watch_id", int64(id), "timeout_s", opts.Timeout.Seconds())
	return &cancelFunc{cancel: func() {
		s.provider.ClearWatch(id)
		s.logger.Debug("foreground_watch_cleared", "watch_id", int64(id))
	}}, nil
}

// PeriodicPollStrategy performs a one-shot high-accuracy position request
// on a repeating timer. It always runs alongside whichever continuous
// strategy is active, as a safety net against missed updates. A timed-out
// request waits for the next tick; there is no in-tick retry.
type PeriodicPollStrategy struct {
	provider PositionProvider
	interval time.Duration
	logger   *logx.Logger
}

func NewPeriodicPollStrategy(provider PositionProvider, interval time.Duration, logger *logx.Logger) *PeriodicPollStrategy {
	if interval <= 0 {
		interval = PollInterval
	}
	return &PeriodicPollStrategy{provider: provider, interval: interval, logger: logger}
}

func (s *PeriodicPollStrategy) Name() string { return "periodic_poll" }

func (s *PeriodicPollStrategy) Subscribe(ctx context.Context, onFix FixCallback, onError ErrorCallback) (Subscription, error) {
	pollCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				s.pollOnce(pollCtx, onFix, onError)
			}
		}
	}()

	s.logger.Info("periodic_poll_started", "interval_s", s.interval.Seconds())
	return &cancelFunc{cancel: func() {
		cancel()
		s.logger.Debug("periodic_poll_stopped")
	}}, nil
}

func (s *PeriodicPollStrategy) pollOnce(ctx context.Context, onFix FixCallback, onError ErrorCallback) {
	opts := WatchOptions{
		HighAccuracy: true,
		Timeout:      PollTimeout,
		MaxFixAge:    0, // always query hardware
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fix, err := s.provider.GetCurrentFix(reqCtx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return // canceled mid-request during teardown
		}
		onError(err)
		return
	}

	f := *fix
	f.Source = s.Name()
	onFix(f)
}
