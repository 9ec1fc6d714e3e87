package main

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safereach/safereach/pkg/logx"
	"github.com/safereach/safereach/pkg/notifications"
)

type countingChannel struct {
	mu   sync.Mutex
	sent int
}

func (c *countingChannel) Name() string  { return "counting" }
func (c *countingChannel) Enabled() bool { return true }

func (c *countingChannel) Send(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *countingChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func TestNotifySinkDeliversOncePerTrip(t *testing.T) {
	ch := &countingChannel{}
	manager := notifications.NewManagerWithChannels(
		[]notifications.Channel{ch},
		logx.NewLoggerTo("error", "test", io.Discard),
	)
	sink := &notifySink{notifier: manager}
	ctx := context.Background()
	recipients := []string{"+46700000001"}

	// Two consecutive trips by the same user must both deliver.
	require.NoError(t, sink.PublishArrival(ctx, "alice", "trip-1", "made it", recipients))
	require.NoError(t, sink.PublishArrival(ctx, "alice", "trip-2", "made it", recipients))
	assert.Equal(t, 2, ch.sentCount())

	// A replayed arrival for an already-announced trip is swallowed.
	require.NoError(t, sink.PublishArrival(ctx, "alice", "trip-2", "made it", recipients))
	assert.Equal(t, 2, ch.sentCount())
}
