package tracking

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/geo"
	"github.com/safereach/safereach/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLoggerTo("error", "test", io.Discard)
}

// fakePositionProvider implements PositionProvider with controllable
// permission, one-shot results and manual watch delivery.
type fakePositionProvider struct {
	mu            sync.Mutex
	permission    bool
	permissionErr error
	watchErr      error
	currentFix    *pkg.GeoFix
	currentFixErr error
	nextWatchID   WatchID
	watches       map[WatchID]struct {
		onFix FixCallback
		onErr ErrorCallback
	}
	cleared []WatchID
}

func newFakePositionProvider() *fakePositionProvider {
	return &fakePositionProvider{
		permission: true,
		watches: map[WatchID]struct {
			onFix FixCallback
			onErr ErrorCallback
		}{},
	}
}

func (p *fakePositionProvider) RequestPermission(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission, p.permissionErr
}

func (p *fakePositionProvider) GetCurrentFix(_ context.Context, _ WatchOptions) (*pkg.GeoFix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentFixErr != nil {
		return nil, p.currentFixErr
	}
	if p.currentFix == nil {
		return nil, NewAcquisitionError(ReasonTimeout, "no fix available", nil)
	}
	fix := *p.currentFix
	return &fix, nil
}

func (p *fakePositionProvider) Watch(_ WatchOptions, onFix FixCallback, onErr ErrorCallback) (WatchID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return 0, p.watchErr
	}
	p.nextWatchID++
	p.watches[p.nextWatchID] = struct {
		onFix FixCallback
		onErr ErrorCallback
	}{onFix, onErr}
	return p.nextWatchID, nil
}

func (p *fakePositionProvider) ClearWatch(id WatchID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watches, id)
	p.cleared = append(p.cleared, id)
}

func (p *fakePositionProvider) activeWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// deliver pushes a fix through every active watch callback, simulating
// the platform delivering a position change.
func (p *fakePositionProvider) deliver(fix pkg.GeoFix) {
	p.mu.Lock()
	cbs := make([]FixCallback, 0, len(p.watches))
	for _, w := range p.watches {
		cbs = append(cbs, w.onFix)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(fix)
	}
}

func (p *fakePositionProvider) deliverError(err error) {
	p.mu.Lock()
	cbs := make([]ErrorCallback, 0, len(p.watches))
	for _, w := range p.watches {
		cbs = append(cbs, w.onErr)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// fakeBackgroundProvider implements BackgroundProvider.
type fakeBackgroundProvider struct {
	mu         sync.Mutex
	addErr     error
	nextID     WatcherID
	watchers   map[WatcherID]FixCallback
	removed    []WatcherID
	lastConfig WatcherConfig
}

func newFakeBackgroundProvider() *fakeBackgroundProvider {
	return &fakeBackgroundProvider{watchers: map[WatcherID]FixCallback{}}
}

func (p *fakeBackgroundProvider) AddWatcher(cfg WatcherConfig, onFix FixCallback, _ ErrorCallback) (WatcherID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return 0, p.addErr
	}
	p.lastConfig = cfg
	p.nextID++
	p.watchers[p.nextID] = onFix
	return p.nextID, nil
}

func (p *fakeBackgroundProvider) RemoveWatcher(id WatcherID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watchers, id)
	p.removed = append(p.removed, id)
}

func (p *fakeBackgroundProvider) deliver(fix pkg.GeoFix) {
	p.mu.Lock()
	cbs := make([]FixCallback, 0, len(p.watchers))
	for _, cb := range p.watchers {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(fix)
	}
}

func (p *fakeBackgroundProvider) activeWatchers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

// countingPowerManager counts acquires and releases.
type countingPowerManager struct {
	acquired int32
	released int32
	fail     bool
}

func (m *countingPowerManager) Acquire(_ context.Context) (PowerHold, error) {
	if m.fail {
		return nil, fmt.Errorf("wake hold rejected")
	}
	atomic.AddInt32(&m.acquired, 1)
	return NewPowerHold(func() { atomic.AddInt32(&m.released, 1) }), nil
}

// recordingSink records published fixes and arrivals.
type recordingSink struct {
	mu         sync.Mutex
	fixes      []pkg.GeoFix
	arrivals   int
	tripIDs    []string
	recipients []string
	fixErr     error
	arriveErr  error
}

func (s *recordingSink) PublishFix(_ context.Context, _ string, fix pkg.GeoFix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixErr != nil {
		return s.fixErr
	}
	s.fixes = append(s.fixes, fix)
	return nil
}

func (s *recordingSink) PublishArrival(_ context.Context, _, tripID, _ string, recipients []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arriveErr != nil {
		return s.arriveErr
	}
	s.arrivals++
	s.tripIDs = append(s.tripIDs, tripID)
	s.recipients = append([]string(nil), recipients...)
	return nil
}

func (s *recordingSink) arrivalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arrivals
}

func (s *recordingSink) arrivalTripIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tripIDs...)
}

// collector gathers UI callback invocations.
type collector struct {
	mu       sync.Mutex
	updates  []Update
	arrivals int32
	warnings []error
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnUpdate: func(u Update) {
			c.mu.Lock()
			c.updates = append(c.updates, u)
			c.mu.Unlock()
		},
		OnArrival: func() { atomic.AddInt32(&c.arrivals, 1) },
		OnWarning: func(err error) {
			c.mu.Lock()
			c.warnings = append(c.warnings, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func (c *collector) lastUpdate() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates[len(c.updates)-1]
}

func (c *collector) warningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.warnings)
}

func (c *collector) lastWarning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warnings[len(c.warnings)-1]
}

func (c *collector) arrivalCount() int32 { return atomic.LoadInt32(&c.arrivals) }

func target(lat, lng, radius float64) *pkg.TripTarget {
	return &pkg.TripTarget{
		Latitude:        lat,
		Longitude:       lng,
		GeofenceRadiusM: radius,
		Recipients:      []string{"+46700000001"},
	}
}

func fix(lat, lng float64) pkg.GeoFix {
	return pkg.GeoFix{Latitude: lat, Longitude: lng, Accuracy: 5, Timestamp: time.Now()}
}

func newTestSession(pos PositionProvider, deps SessionDeps) *Session {
	cfg := DefaultSessionConfig("user-1")
	cfg.PollInterval = time.Hour // tests deliver fixes manually unless stated
	deps.Position = pos
	return NewSession(cfg, deps, testLogger())
}

func TestStartValidation(t *testing.T) {
	pos := newFakePositionProvider()
	s := newTestSession(pos, SessionDeps{})

	err := s.Start(nil, Callbacks{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = s.Start(&pkg.TripTarget{Latitude: 0, Longitude: 0, GeofenceRadiusM: 100}, Callbacks{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err), "empty recipients must be rejected")

	err = s.Start(target(0, 200, 100), Callbacks{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err), "out-of-range destination must be rejected")

	assert.Equal(t, PhaseIdle, s.Status().Phase)
	assert.Equal(t, 0, pos.activeWatches(), "failed start must not leave a watch running")
}

func TestStartTwiceRejected(t *testing.T) {
	pos := newFakePositionProvider()
	s := newTestSession(pos, SessionDeps{})

	require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
	err := s.Start(target(0, 0, 100), Callbacks{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	require.NoError(t, s.Stop())
}

func TestForegroundFallbackWhenBackgroundUnavailable(t *testing.T) {
	pos := newFakePositionProvider()
	s := newTestSession(pos, SessionDeps{}) // no background provider at all

	require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
	assert.Equal(t, 1, pos.activeWatches(), "foreground watch must be attempted next")
	assert.Equal(t, "foreground_watch", s.Status().Strategy)

	require.NoError(t, s.Stop())
}

func TestBackgroundPreferredAndConfigured(t *testing.T) {
	pos := newFakePositionProvider()
	bg := newFakeBackgroundProvider()
	s := newTestSession(pos, SessionDeps{Background: bg})

	require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
	assert.Equal(t, 1, bg.activeWatchers())
	assert.Equal(t, 0, pos.activeWatches(), "foreground watch must not run when background service holds the subscription")
	assert.Equal(t, BackgroundMinDistanceM, bg.lastConfig.MinDistanceM)
	assert.Equal(t, BackgroundInterval, bg.lastConfig.Interval)
	assert.True(t, bg.lastConfig.ShowIndicator)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, bg.activeWatchers())
}

func TestArrivalExactlyOnce(t *testing.T) {
	pos := newFakePositionProvider()
	power := &countingPowerManager{}
	sink := &recordingSink{}
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Power: power, Sinks: []FixSink{sink}})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))

	pos.deliver(fix(0, 0.01)) // ~1113 m away
	assert.Equal(t, int32(0), ui.arrivalCount())
	assert.Equal(t, PhaseActive, s.Status().Phase)

	pos.deliver(fix(0, 0.0005)) // ~55 m: inside the geofence
	assert.Equal(t, int32(1), ui.arrivalCount())
	assert.Equal(t, PhaseArrived, s.Status().Phase)

	// Additional in-radius fixes after arrival must be rejected by the
	// phase guard, regardless of how many sources still deliver.
	for i := 0; i < 5; i++ {
		pos.deliver(fix(0, 0.0001))
	}
	assert.Equal(t, int32(1), ui.arrivalCount())
	assert.Equal(t, uint64(2), s.Status().UpdateCount)

	assert.Equal(t, int32(1), atomic.LoadInt32(&power.released), "power hold released exactly once")
	assert.Equal(t, 0, pos.activeWatches(), "watch must be cleared on arrival")
	assert.Equal(t, 1, sink.arrivalCount())
	assert.Equal(t, []string{"+46700000001"}, sink.recipients)
	assert.Equal(t, []string{s.Status().TripID}, sink.arrivalTripIDs(), "arrival publish carries the trip identity")
}

func TestConsecutiveTripsPublishDistinctTripIDs(t *testing.T) {
	pos := newFakePositionProvider()
	sink := &recordingSink{}

	// One session per trip; sinks outlive sessions, so the trip identity
	// handed to them must differ between trips or downstream per-trip
	// deduplication would swallow the second arrival.
	for i := 0; i < 2; i++ {
		s := newTestSession(pos, SessionDeps{Sinks: []FixSink{sink}})
		require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
		pos.deliver(fix(0, 0.0001))
		require.Equal(t, PhaseArrived, s.Status().Phase)
	}

	ids := sink.arrivalTripIDs()
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestArrivalScenarioDistances(t *testing.T) {
	pos := newFakePositionProvider()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))

	pos.deliver(fix(0, 0.01))
	require.Equal(t, 1, ui.updateCount())
	assert.InDelta(t, 1113, ui.lastUpdate().DistanceM, 5)

	pos.deliver(fix(0, 0.0005))
	require.Equal(t, 2, ui.updateCount())
	assert.InDelta(t, 55.6, ui.lastUpdate().DistanceM, 1)
	assert.Equal(t, int32(1), ui.arrivalCount())
}

func TestArrivalBoundaryInclusive(t *testing.T) {
	pos := newFakePositionProvider()
	ui := &collector{}

	// Radius set to the exact computed distance of the fix: the boundary
	// is inclusive, so this triggers arrival.
	boundary := geo.Distance(0, 0, 0, 0.0045)
	tgt := target(0, 0, boundary)
	s := newTestSession(pos, SessionDeps{})

	require.NoError(t, s.Start(tgt, ui.callbacks()))
	pos.deliver(fix(0, 0.0045))

	assert.Equal(t, int32(1), ui.arrivalCount())
	assert.Equal(t, PhaseArrived, s.Status().Phase)
}

func TestStopIsTotalTeardown(t *testing.T) {
	pos := newFakePositionProvider()
	power := &countingPowerManager{}
	lifecycle := NewLifecycleNotifier()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Power: power, Lifecycle: lifecycle})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	require.NoError(t, s.Stop())

	assert.Equal(t, PhaseIdle, s.Status().Phase)
	assert.Equal(t, 0, pos.activeWatches())
	assert.Equal(t, int32(1), atomic.LoadInt32(&power.released))

	// Late fix delivered by a source the platform had not yet
	// unsubscribed: no update, no arrival.
	pos.deliver(fix(0, 0))
	assert.Equal(t, 0, ui.updateCount())
	assert.Equal(t, int32(0), ui.arrivalCount())

	// Foreground events after stop must not resurrect acquisition.
	lifecycle.NotifyForegrounded()
	assert.Equal(t, 0, pos.activeWatches())

	err := s.Stop()
	require.Error(t, err, "stop is only valid from the active phase")
}

func TestLateFixAfterArrivalViaSecondSource(t *testing.T) {
	pos := newFakePositionProvider()
	bg := newFakeBackgroundProvider()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Background: bg})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))

	bg.deliver(fix(0, 0.0001)) // arrival via background service
	assert.Equal(t, int32(1), ui.arrivalCount())

	// A stale poll result racing the arrival must be dropped.
	pos.deliver(fix(0, 0.02))
	assert.Equal(t, int32(1), ui.arrivalCount())
	assert.Equal(t, uint64(1), s.Status().UpdateCount)
}

func TestPollLayeredOnTopOfContinuous(t *testing.T) {
	pos := newFakePositionProvider()
	bg := newFakeBackgroundProvider()
	pos.currentFix = &pkg.GeoFix{Latitude: 0, Longitude: 0.05, Accuracy: 10}

	cfg := DefaultSessionConfig("user-1")
	cfg.PollInterval = 10 * time.Millisecond
	s := NewSession(cfg, SessionDeps{Position: pos, Background: bg}, testLogger())
	ui := &collector{}

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	assert.Equal(t, 1, bg.activeWatchers())

	// The poll keeps producing updates even though the background
	// service holds the continuous subscription.
	require.Eventually(t, func() bool { return ui.updateCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "periodic_poll", ui.lastUpdate().Fix.Source)

	require.NoError(t, s.Stop())
}

func TestPollOnlyModeWhenAllContinuousFail(t *testing.T) {
	pos := newFakePositionProvider()
	pos.permission = false // foreground watch denied
	bg := newFakeBackgroundProvider()
	bg.addErr = NewAcquisitionError(ReasonUnavailable, "plugin not installed", nil)
	pos.currentFix = &pkg.GeoFix{Latitude: 0, Longitude: 0.05, Accuracy: 10}

	cfg := DefaultSessionConfig("user-1")
	cfg.PollInterval = 10 * time.Millisecond
	s := NewSession(cfg, SessionDeps{Position: pos, Background: bg}, testLogger())
	ui := &collector{}

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()), "tracking proceeds on the poll alone")
	assert.Equal(t, PhaseActive, s.Status().Phase)
	assert.Equal(t, "", s.Status().Strategy)

	require.Eventually(t, func() bool { return ui.updateCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestPollFailureSurfacesWarningOnlyWithoutIndicator(t *testing.T) {
	// Poll-only mode: the one-shot failure is user-visible.
	pos := newFakePositionProvider()
	pos.permission = false
	pos.currentFixErr = NewAcquisitionError(ReasonTimeout, "gps timeout", nil)

	cfg := DefaultSessionConfig("user-1")
	cfg.PollInterval = 10 * time.Millisecond
	s := NewSession(cfg, SessionDeps{Position: pos}, testLogger())
	ui := &collector{}

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	require.Eventually(t, func() bool { return ui.warningCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseActive, s.Status().Phase, "per-update failures never stop tracking")
	require.NoError(t, s.Stop())

	// Background indicator active: the same poll failure is suppressed
	// to avoid duplicate error spam.
	bg := newFakeBackgroundProvider()
	s2 := NewSession(cfg, SessionDeps{Position: pos, Background: bg}, testLogger())
	ui2 := &collector{}
	require.NoError(t, s2.Start(target(0, 0, 100), ui2.callbacks()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ui2.warningCount())
	require.NoError(t, s2.Stop())
}

func TestWatchRuntimeErrorIsNonFatalWarning(t *testing.T) {
	pos := newFakePositionProvider()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	pos.deliverError(NewAcquisitionError(ReasonTimeout, "position timeout", nil))

	assert.Equal(t, 1, ui.warningCount())
	assert.Equal(t, PhaseActive, s.Status().Phase)

	// Tracking continues: the next fix is still applied.
	pos.deliver(fix(0, 0.01))
	assert.Equal(t, 1, ui.updateCount())

	require.NoError(t, s.Stop())
}

func TestForegroundReacquireAfterDrop(t *testing.T) {
	pos := newFakePositionProvider()
	lifecycle := NewLifecycleNotifier()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Lifecycle: lifecycle})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	pos.deliver(fix(0, 0.01))
	require.Equal(t, uint64(1), s.Status().UpdateCount)

	// Platform suspends the process and drops the watch.
	pos.deliverError(NewAcquisitionError(ReasonUnavailable, "watch revoked", nil))
	assert.Equal(t, "", s.Status().Strategy)

	lifecycle.NotifyForegrounded()
	assert.Equal(t, 1, pos.activeWatches(), "strategy selection re-runs on foreground")
	assert.Equal(t, "foreground_watch", s.Status().Strategy)
	assert.Equal(t, uint64(1), s.Status().UpdateCount, "update count survives re-acquisition")

	pos.deliver(fix(0, 0.009))
	assert.Equal(t, uint64(2), s.Status().UpdateCount)

	require.NoError(t, s.Stop())
}

func TestForegroundedWhileSubscriptionAliveIsNoop(t *testing.T) {
	pos := newFakePositionProvider()
	lifecycle := NewLifecycleNotifier()
	s := newTestSession(pos, SessionDeps{Lifecycle: lifecycle})

	require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
	lifecycle.NotifyForegrounded()
	assert.Equal(t, 1, pos.activeWatches(), "no duplicate watch registration")

	require.NoError(t, s.Stop())
}

func TestArrivalNotificationFailureKeepsArrived(t *testing.T) {
	pos := newFakePositionProvider()
	gatewayErr := fmt.Errorf("sms gateway down")
	sink := &recordingSink{arriveErr: gatewayErr}
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Sinks: []FixSink{sink}})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	pos.deliver(fix(0, 0.0001))

	assert.Equal(t, int32(1), ui.arrivalCount(), "arrival still fires")
	assert.Equal(t, PhaseArrived, s.Status().Phase, "a failed notification never reverts Arrived")
	require.GreaterOrEqual(t, ui.warningCount(), 1)

	// The warning is classified as a transient I/O failure and still
	// unwraps to the sink's error.
	warning := ui.lastWarning()
	assert.True(t, IsTransientIO(warning))
	assert.ErrorIs(t, warning, gatewayErr)
}

func TestPowerHoldFailureIsNotFatal(t *testing.T) {
	pos := newFakePositionProvider()
	power := &countingPowerManager{fail: true}
	s := newTestSession(pos, SessionDeps{Power: power})

	require.NoError(t, s.Start(target(0, 0, 100), Callbacks{}))
	assert.Equal(t, PhaseActive, s.Status().Phase)
	require.NoError(t, s.Stop())
}

func TestPowerHoldReleaseIdempotent(t *testing.T) {
	var released int32
	h := NewPowerHold(func() { atomic.AddInt32(&released, 1) })
	h.Release()
	h.Release()
	h.Release()
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))

	// A hold with no release fn is also safe.
	NewPowerHold(nil).Release()
}

func TestConcurrentFixDeliveryRace(t *testing.T) {
	pos := newFakePositionProvider()
	power := &countingPowerManager{}
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{Power: power})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))

	// Many goroutines hammer the session with in-radius fixes; exactly
	// one arrival and exactly one power release must result.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pos.deliver(fix(0, 0.0002))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ui.arrivalCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&power.released))
	assert.Equal(t, PhaseArrived, s.Status().Phase)
}

func TestInvalidFixRejected(t *testing.T) {
	pos := newFakePositionProvider()
	ui := &collector{}
	s := newTestSession(pos, SessionDeps{})

	require.NoError(t, s.Start(target(0, 0, 100), ui.callbacks()))
	pos.deliver(pkg.GeoFix{Latitude: 91, Longitude: 0, Accuracy: 5})

	assert.Equal(t, 0, ui.updateCount())
	assert.Equal(t, uint64(0), s.Status().UpdateCount)
	assert.Equal(t, 1, ui.warningCount())

	require.NoError(t, s.Stop())
}

func TestStatusSnapshot(t *testing.T) {
	pos := newFakePositionProvider()
	s := newTestSession(pos, SessionDeps{})

	st := s.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.DistanceKnown)

	require.NoError(t, s.Start(target(0, 0, 500), Callbacks{}))
	pos.deliver(fix(0, 0.01))

	st = s.Status()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.NotEmpty(t, st.TripID)
	assert.True(t, st.DistanceKnown)
	assert.InDelta(t, 1113, st.DistanceM, 5)
	assert.Equal(t, 500.0, st.GeofenceRadius)

	require.NoError(t, s.Stop())
}

func TestLifecycleNotifier(t *testing.T) {
	n := NewLifecycleNotifier()
	var calls int32
	unregister := n.Register(func() { atomic.AddInt32(&calls, 1) })

	n.NotifyForegrounded()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	unregister()
	unregister() // second unregister is a no-op
	n.NotifyForegrounded()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
