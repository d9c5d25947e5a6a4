package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/fuel-control/internal/domain"
)

type recordingHandler struct {
	mu         sync.Mutex
	changes    []Change
	reconnects int
}

func (h *recordingHandler) OnChange(_ context.Context, change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, change)
}

func (h *recordingHandler) OnReconnect(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
}

func (h *recordingHandler) snapshot() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Change, len(h.changes))
	copy(out, h.changes)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFeedDeliversCrossOriginChanges(t *testing.T) {
	client := newTestClient(t)

	publisher := NewFeed(client, "desktop", testLogger())
	subscriber := NewFeed(client, "laptop", testLogger())

	handler := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = subscriber.Listen(ctx, handler)
	}()

	// Give the subscription a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	publisher.TimerChanged(ctx, domain.PilotRoma)
	publisher.ProfileChanged(ctx, string(domain.PilotKirill))

	waitFor(t, func() bool { return len(handler.snapshot()) == 2 })

	changes := handler.snapshot()
	assert.Equal(t, KindTimer, changes[0].Kind)
	assert.Equal(t, string(domain.PilotRoma), changes[0].PilotID)
	assert.Equal(t, KindProfile, changes[1].Kind)
	assert.Equal(t, string(domain.PilotKirill), changes[1].PilotID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on context cancel")
	}
}

func TestFeedSkipsOwnEchoes(t *testing.T) {
	client := newTestClient(t)

	feed := NewFeed(client, "desktop", testLogger())
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = feed.Listen(ctx, handler) }()
	time.Sleep(50 * time.Millisecond)

	feed.TimerChanged(ctx, domain.PilotRoma)

	// A same-origin message must never reach the handler.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, handler.snapshot())
}

func TestFeedCloseStopsListener(t *testing.T) {
	client := newTestClient(t)

	feed := NewFeed(client, "desktop", testLogger())
	handler := &recordingHandler{}

	done := make(chan error, 1)
	go func() { done <- feed.Listen(context.Background(), handler) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, feed.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on Close")
	}
}
