package tracking

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safereach/safereach/pkg"
)

func TestBackgroundStrategyWithoutProvider(t *testing.T) {
	s := NewBackgroundServiceStrategy(nil, testLogger())
	_, err := s.Subscribe(context.Background(), func(pkg.GeoFix) {}, func(error) {})
	require.Error(t, err)
	assert.Equal(t, ReasonUnavailable, ReasonOf(err))
}

func TestForegroundStrategyPermissionDenied(t *testing.T) {
	pos := newFakePositionProvider()
	pos.permission = false

	s := NewForegroundWatchStrategy(pos, testLogger())
	_, err := s.Subscribe(context.Background(), func(pkg.GeoFix) {}, func(error) {})
	require.Error(t, err)
	assert.Equal(t, ReasonPermissionDenied, ReasonOf(err))
	assert.Equal(t, 0, pos.activeWatches())
}

func TestForegroundStrategyTagsSource(t *testing.T) {
	pos := newFakePositionProvider()
	s := NewForegroundWatchStrategy(pos, testLogger())

	var got atomic.Value
	sub, err := s.Subscribe(context.Background(), func(f pkg.GeoFix) { got.Store(f) }, func(error) {})
	require.NoError(t, err)
	defer sub.Cancel()

	pos.deliver(pkg.GeoFix{Latitude: 1, Longitude: 2, Accuracy: 3})
	fix, ok := got.Load().(pkg.GeoFix)
	require.True(t, ok)
	assert.Equal(t, "foreground_watch", fix.Source)
}

func TestPollStrategyDeliversAndStops(t *testing.T) {
	pos := newFakePositionProvider()
	pos.currentFix = &pkg.GeoFix{Latitude: 10, Longitude: 20, Accuracy: 8}

	var fixes int32
	s := NewPeriodicPollStrategy(pos, 10*time.Millisecond, testLogger())
	sub, err := s.Subscribe(context.Background(), func(pkg.GeoFix) { atomic.AddInt32(&fixes, 1) }, func(error) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fixes) >= 2 }, 2*time.Second, 5*time.Millisecond)

	sub.Cancel()
	sub.Cancel() // idempotent
	n := atomic.LoadInt32(&fixes)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&fixes)-n, int32(1), "at most one in-flight delivery after cancel")
}

func TestPollStrategyNoRetryWithinTick(t *testing.T) {
	pos := newFakePositionProvider()
	pos.currentFixErr = NewAcquisitionError(ReasonTimeout, "gps timeout", nil)

	var errs int32
	s := NewPeriodicPollStrategy(pos, 20*time.Millisecond, testLogger())
	sub, err := s.Subscribe(context.Background(), func(pkg.GeoFix) {}, func(error) { atomic.AddInt32(&errs, 1) })
	require.NoError(t, err)
	defer sub.Cancel()

	// Errors arrive at tick cadence: one per tick, no in-tick retries.
	time.Sleep(115 * time.Millisecond)
	got := atomic.LoadInt32(&errs)
	assert.GreaterOrEqual(t, got, int32(3))
	assert.LessOrEqual(t, got, int32(6))
}

func TestPollStrategyDefaultInterval(t *testing.T) {
	s := NewPeriodicPollStrategy(newFakePositionProvider(), 0, testLogger())
	assert.Equal(t, PollInterval, s.interval)
}
