// Package redisbus bridges local publish/subscribe to a shared Redis
// pub/sub store so an event published on any process instance reaches
// subscribers connected to any other instance.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// Bus lifecycle states. Transitions are one-directional except
// running -> stopping -> stopped.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

func stateName(s int32) string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	}
	return "unknown"
}

// envelope is the wire form of a backbone message. Channel carries the
// target channel full name; empty means the event addresses every
// matching connection in the organization.
type envelope struct {
	Channel string       `json:"channel,omitempty"`
	Event   domain.Event `json:"event"`
}

// EventBus is the Redis-backed implementation of ports.Backbone.
type EventBus struct {
	client      *redis.Client
	serviceName string
	prefix      string

	state atomic.Int32

	mu        sync.RWMutex
	listeners map[domain.EventType][]ports.EventHandler

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	replayMaxLen int
	replayTTL    time.Duration

	retryBackoff    time.Duration
	retryBackoffCap time.Duration

	logger *slog.Logger
}

var _ ports.Backbone = (*EventBus)(nil)

// Option configures the bus.
type Option func(*EventBus)

// WithPrefix overrides the topic prefix (default "events").
func WithPrefix(prefix string) Option {
	return func(b *EventBus) { b.prefix = prefix }
}

// WithRetryBackoff overrides the delay schedule StartWithRetry uses
// between failed start attempts (default 1s doubling up to 30s).
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(b *EventBus) {
		b.retryBackoff = initial
		b.retryBackoffCap = max
	}
}

// NewEventBus creates a bus in the stopped state.
func NewEventBus(client *redis.Client, serviceName string, logger *slog.Logger, opts ...Option) *EventBus {
	b := &EventBus{
		client:       client,
		serviceName:  serviceName,
		prefix:       "events",
		listeners:    make(map[domain.EventType][]ports.EventHandler),
		replayMaxLen: defaultReplayMaxLen,
		replayTTL:    defaultReplayTTL,

		retryBackoff:    time.Second,
		retryBackoffCap: 30 * time.Second,

		logger: logger.With("component", "event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the backbone subscription and launches the dispatcher loop.
// Calling Start while running is a no-op.
func (b *EventBus) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(stateStopped, stateStarting) {
		if b.state.Load() == stateRunning {
			return nil
		}
		return fmt.Errorf("event bus is %s", stateName(b.state.Load()))
	}

	// Subscription lifetime is bound to the loop context, not the caller's:
	// Start returns while the loop keeps running.
	pubsub := b.client.PSubscribe(context.Background(), b.prefix+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		b.state.Store(stateStopped)
		return apperrors.Wrap(err, "backbone subscribe")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = pubsub
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state.Store(stateRunning)

	go b.dispatchLoop(loopCtx)

	b.logger.Info("event bus started", "prefix", b.prefix)
	return nil
}

// StartWithRetry keeps attempting Start until it succeeds or ctx is
// cancelled, doubling the delay between attempts up to a cap. Run it in
// its own goroutine when the store may come up after this process does;
// publishes keep failing with ErrBackboneUnavailable until an attempt
// lands.
func (b *EventBus) StartWithRetry(ctx context.Context) {
	backoff := b.retryBackoff
	for {
		err := b.Start(ctx)
		if err == nil {
			return
		}
		b.logger.Warn("event bus start failed, will retry",
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > b.retryBackoffCap {
			backoff = b.retryBackoffCap
		}
	}
}

// Stop cancels the dispatcher and releases the subscription. No listener
// callback fires after Stop returns. Calling Stop while stopped is a no-op.
func (b *EventBus) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(stateRunning, stateStopping) {
		if b.state.Load() == stateStopped {
			return nil
		}
		return fmt.Errorf("event bus is %s", stateName(b.state.Load()))
	}

	b.cancel()
	// Closing the PubSub unblocks the dispatcher's receive channel.
	_ = b.pubsub.Close()

	select {
	case <-b.done:
	case <-ctx.Done():
		b.state.Store(stateStopped)
		return ctx.Err()
	}

	b.state.Store(stateStopped)
	b.logger.Info("event bus stopped")
	return nil
}

// RegisterListener adds a callback for every backbone event of the given
// type, including events this same process published unless the handler
// filters by Event.Source.
func (b *EventBus) RegisterListener(eventType domain.EventType, handler ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], handler)
}

// Publish hands an event to the backbone topic for its organization.
// It returns once handed off; remote delivery is best-effort. Publishing
// while the bus is not running fails with ErrBackboneUnavailable, which
// callers must treat as non-fatal (local fan-out still proceeds).
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	return b.publish(ctx, envelope{Event: event})
}

// PublishToChannel publishes an event addressed to one channel full name.
func (b *EventBus) PublishToChannel(ctx context.Context, channel string, event domain.Event) error {
	return b.publish(ctx, envelope{Channel: channel, Event: event})
}

// PublishToOrganization constructs an organization-wide event and
// publishes it.
func (b *EventBus) PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}
	return b.Publish(ctx, domain.NewEvent(eventType, organizationID, b.serviceName, data))
}

func (b *EventBus) publish(ctx context.Context, env envelope) error {
	if b.state.Load() != stateRunning {
		return apperrors.ErrBackboneUnavailable
	}
	if env.Event.OrganizationID == "" {
		return apperrors.ErrOrganizationRequired
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(err, "encode backbone event")
	}
	if err := b.client.Publish(ctx, b.topic(env.Event.OrganizationID), payload).Err(); err != nil {
		return apperrors.Wrap(err, "publish backbone event")
	}
	return nil
}

// dispatchLoop is the single translator from backbone messages to local
// listener calls. It never calls back into publish, so a listener that
// republishes cannot recurse through the loop goroutine.
func (b *EventBus) dispatchLoop(ctx context.Context) {
	defer close(b.done)

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (b *EventBus) dispatch(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("dropping undecodable backbone message", "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.listeners[env.Event.Type]))
	copy(handlers, b.listeners[env.Event.Type])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no listeners for backbone event", "event_type", env.Event.Type)
		return
	}

	for _, handler := range handlers {
		b.invoke(ctx, handler, env)
	}
}

// invoke isolates listener panics so one bad handler cannot kill the
// dispatcher loop.
func (b *EventBus) invoke(ctx context.Context, handler ports.EventHandler, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("backbone listener panicked",
				"event_type", env.Event.Type,
				"panic", r,
			)
		}
	}()
	handler(ctx, env.Channel, env.Event)
}

func (b *EventBus) topic(organizationID string) string {
	return b.prefix + ":" + organizationID
}

// Ping reports Redis connectivity for health probes.
func (b *EventBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
