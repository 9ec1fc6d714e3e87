package tracking

import (
	"context"
	"sync"
)

// hold wraps a release function so Release is safe to call any number of
// times.
type hold struct {
	once    sync.Once
	release func()
}

func (h *hold) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// NewPowerHold wraps release into an idempotent PowerHold. Provider
// implementations use this so callers never have to track release state.
func NewPowerHold(release func()) PowerHold {
	return &hold{release: release}
}

// NoopPowerManager hands out holds that do nothing. Used on platforms
// without a wake-hold facility and in tests.
type NoopPowerManager struct{}

func (NoopPowerManager) Acquire(_ context.Context) (PowerHold, error) {
	return NewPowerHold(nil), nil
}
