package bus_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/koord/internal/bus"
	"github.com/gosuda/koord/internal/domain"
)

func recvEvent(t *testing.T, ch <-chan domain.ChangeEvent) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.ChangeEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan domain.ChangeEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_FanOutExcludesOrigin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewMemory()

	origin := uuid.New()
	other1 := uuid.New()
	other2 := uuid.New()

	originCh, stopOrigin, err := b.Subscribe(ctx, origin, nil)
	require.NoError(t, err)
	defer stopOrigin()
	ch1, stop1, err := b.Subscribe(ctx, other1, nil)
	require.NoError(t, err)
	defer stop1()
	ch2, stop2, err := b.Subscribe(ctx, other2, nil)
	require.NoError(t, err)
	defer stop2()

	event := domain.ChangeEvent{
		Topic:           "memory",
		OriginSessionID: origin,
		VersionStamp:    7,
	}
	require.NoError(t, b.Publish(ctx, event))

	assert.Equal(t, event, recvEvent(t, ch1))
	assert.Equal(t, event, recvEvent(t, ch2))
	assertNoEvent(t, originCh)
}

func TestMemoryBus_TopicFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewMemory()

	memOnly := uuid.New()
	all := uuid.New()

	memCh, stopMem, err := b.Subscribe(ctx, memOnly, []string{"memory"})
	require.NoError(t, err)
	defer stopMem()
	allCh, stopAll, err := b.Subscribe(ctx, all, nil)
	require.NoError(t, err)
	defer stopAll()

	require.NoError(t, b.Publish(ctx, domain.ChangeEvent{Topic: "tasks", OriginSessionID: uuid.New()}))
	require.NoError(t, b.Publish(ctx, domain.ChangeEvent{Topic: "memory", OriginSessionID: uuid.New()}))

	// Empty topic list means everything.
	assert.Equal(t, "tasks", recvEvent(t, allCh).Topic)
	assert.Equal(t, "memory", recvEvent(t, allCh).Topic)

	// Topic-scoped subscriber only sees its topic.
	assert.Equal(t, "memory", recvEvent(t, memCh).Topic)
	assertNoEvent(t, memCh)
}

func TestMemoryBus_OrderedPerTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewMemory()

	ch, stop, err := b.Subscribe(ctx, uuid.New(), []string{"memory"})
	require.NoError(t, err)
	defer stop()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, domain.ChangeEvent{
			Topic:           "memory",
			OriginSessionID: uuid.New(),
			VersionStamp:    i,
		}))
	}

	for i := uint64(1); i <= 5; i++ {
		assert.Equal(t, i, recvEvent(t, ch).VersionStamp)
	}
}

func TestMemoryBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewMemory()

	sessionID := uuid.New()
	ch, _, err := b.Subscribe(ctx, sessionID, nil)
	require.NoError(t, err)

	b.Unsubscribe(sessionID)

	_, ok := <-ch
	assert.False(t, ok)

	// Idempotent for unknown sessions.
	b.Unsubscribe(uuid.New())
	b.Unsubscribe(sessionID)
}

func TestMemoryBus_ResubscribeReplacesPrior(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewMemory()

	sessionID := uuid.New()
	first, firstStop, err := b.Subscribe(ctx, sessionID, nil)
	require.NoError(t, err)

	second, secondStop, err := b.Subscribe(ctx, sessionID, nil)
	require.NoError(t, err)
	defer secondStop()

	// The first stream is closed by the replacement.
	_, ok := <-first
	assert.False(t, ok)

	// Stopping the stale subscription must not tear down the replacement.
	firstStop()

	require.NoError(t, b.Publish(ctx, domain.ChangeEvent{Topic: "memory", OriginSessionID: uuid.New()}))
	assert.Equal(t, "memory", recvEvent(t, second).Topic)
}

func TestMemoryBus_StopReleasesWatcher(t *testing.T) {
	// Counts goroutines globally, so not parallel.
	b := bus.NewMemory()
	ctx := context.Background()

	base := runtime.NumGoroutine()

	stops := make([]func(), 0, 50)
	for i := 0; i < 50; i++ {
		_, stop, err := b.Subscribe(ctx, uuid.New(), nil)
		require.NoError(t, err)
		stops = append(stops, stop)
	}
	for _, stop := range stops {
		stop()
	}

	// Stopping under a never-cancelled context must still wind down the
	// per-subscription watcher goroutines.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_ContextCancelRemovesSubscriber(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory()

	subCtx, cancel := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(subCtx, uuid.New(), nil)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
