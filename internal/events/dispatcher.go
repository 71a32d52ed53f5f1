package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultHandlerTimeout = 10 * time.Second

// Publisher accepts lifecycle events. Publish never blocks on delivery and
// never reports delivery failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Handler receives one event. Returned errors are logged and dropped.
type Handler func(ctx context.Context, e Event) error

type subscriber struct {
	name    string
	handler Handler
}

// Dispatcher fans events out to subscribers on their own goroutines, detached
// from the publishing request's cancellation. Subscribe is expected to be
// called during startup; Publish is safe for concurrent use.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers []subscriber
	wg          sync.WaitGroup
	timeout     time.Duration
	logger      *slog.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHandlerTimeout bounds how long a single handler may run.
func WithHandlerTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.logger = l
	}
}

// NewDispatcher creates a Dispatcher with no subscribers.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{timeout: defaultHandlerTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a named handler for every event.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, subscriber{name: name, handler: h})
}

// Publish delivers e to every subscriber asynchronously.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	d.mu.RLock()
	subs := make([]subscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, s := range subs {
		d.wg.Add(1)
		go d.deliver(base, s, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s subscriber, e Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"subscriber", s.name, "event", e.Type, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := s.handler(ctx, e); err != nil {
		d.logger.Warn("event handler failed",
			"subscriber", s.name, "event", e.Type, "event_id", e.ID, "error", err)
	}
}

// Close waits for in-flight deliveries or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for event handlers: %w", ctx.Err())
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// LogHandler logs every event at info level.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, e Event) error {
		attrs := []any{"event", e.Type, "event_id", e.ID}
		if e.Token != nil {
			attrs = append(attrs, "token_id", e.Token.ID, "token_prefix", e.Token.TokenPrefix)
		}
		if e.Replacement != nil {
			attrs = append(attrs, "replacement_id", e.Replacement.ID)
		}
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
		logger.InfoContext(ctx, "token event", attrs...)
		return nil
	}
}
