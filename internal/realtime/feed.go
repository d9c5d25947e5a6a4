// Package realtime fans state changes out to every connected client through a
// redis pub/sub channel. The engine publishes whenever a timer or balance
// changes and listens for the same channel to pick up changes made elsewhere.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Proton-105/fuel-control/internal/domain"
)

const changesChannel = "fuelcontrol:changes"

// Change kinds carried on the channel.
const (
	KindTimer   = "timer"
	KindProfile = "profile"
)

// Change is a single fan-out message.
type Change struct {
	Kind    string `json:"kind"`
	PilotID string `json:"pilot_id"`
	// Origin identifies the publishing process so subscribers can skip
	// their own echoes.
	Origin string `json:"origin"`
}

// Handler receives changes and connection-state events from a subscription.
type Handler interface {
	// OnChange is called for every message published by another origin.
	OnChange(ctx context.Context, change Change)
	// OnReconnect is called after the subscription recovers from a broken
	// connection, when locally cached state must be treated as stale.
	OnReconnect(ctx context.Context)
}

// Feed publishes and subscribes to the shared change channel.
type Feed struct {
	client *redis.Client
	origin string
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	pubsub *redis.PubSub
}

// NewFeed constructs a Feed. origin should be unique per process.
func NewFeed(client *redis.Client, origin string, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}

	return &Feed{
		client: client,
		origin: origin,
		log:    log,
	}
}

// TimerChanged publishes a timer state change for the pilot.
func (f *Feed) TimerChanged(ctx context.Context, pilotID domain.PilotID) {
	f.publish(ctx, Change{Kind: KindTimer, PilotID: string(pilotID), Origin: f.origin})
}

// ProfileChanged publishes a balance change for the pilot.
func (f *Feed) ProfileChanged(ctx context.Context, pilotID string) {
	f.publish(ctx, Change{Kind: KindProfile, PilotID: pilotID, Origin: f.origin})
}

func (f *Feed) publish(ctx context.Context, change Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		f.log.Error("realtime: failed to marshal change", "error", err)
		return
	}

	if err := f.client.Publish(ctx, changesChannel, payload).Err(); err != nil {
		// Fan-out is best effort. Subscribers resync on reconnect anyway.
		f.log.Warn("realtime: publish failed", "kind", change.Kind, "error", err)
	}
}

// Listen subscribes to the change channel and dispatches messages to the
// handler until ctx is cancelled or Close is called. It blocks.
func (f *Feed) Listen(ctx context.Context, handler Handler) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	pubsub := f.client.Subscribe(ctx, changesChannel)
	f.pubsub = pubsub
	f.mu.Unlock()

	defer pubsub.Close()

	// ReceiveMessage does not observe ctx cancellation on its own; closing
	// the subscription is what unblocks it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
		case <-watchDone:
		}
	}()

	healthy := true
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || f.isClosed() {
				return nil
			}

			if healthy {
				healthy = false
				f.log.Warn("realtime: subscription lost, waiting for reconnect", "error", err)
			}
			time.Sleep(time.Second)
			continue
		}

		if !healthy {
			healthy = true
			f.log.Info("realtime: subscription recovered")
			handler.OnReconnect(ctx)
		}

		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			f.log.Warn("realtime: dropping undecodable message", "error", err)
			continue
		}
		if change.Origin == f.origin {
			continue
		}

		handler.OnChange(ctx, change)
	}
}

// Close terminates an active subscription.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	if f.pubsub != nil {
		return f.pubsub.Close()
	}

	return nil
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}
