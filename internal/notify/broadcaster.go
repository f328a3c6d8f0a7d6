package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is reported to the failure hook when an event could not be queued.
var ErrQueueFull = errors.New("broadcast queue full")

// FailureFunc is told about every event that could not be delivered. It runs on the
// broadcaster's own goroutine and must not publish through the broadcaster again.
type FailureFunc func(ev Event, err error)

// Broadcaster delivers events asynchronously so publishing never blocks a state transition.
// Events are delivered by a single worker in the order they were queued. Delivery is
// at-least-once: each topic and the audit write are retried with backoff, so consumers
// de-duplicate on alert ID and sequence.
type Broadcaster struct {
	pub      Publisher
	audit    Auditor
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	log      zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	queue     chan Event
	closed    bool
	onFailure FailureFunc

	wg        sync.WaitGroup
	delivered atomic.Int64
	failed    atomic.Int64
}

// Option tunes a Broadcaster.
type Option func(*Broadcaster)

// WithRetry sets how many times each publish and audit write is tried and the initial pause
// between tries, which doubles after every failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(b *Broadcaster) {
		if attempts > 0 {
			b.attempts = attempts
		}
		if backoff > 0 {
			b.backoff = backoff
		}
	}
}

// NewBroadcaster starts the delivery worker. audit may be nil.
func NewBroadcaster(pub Publisher, audit Auditor, queueSize int, log zerolog.Logger, opts ...Option) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Broadcaster{
		pub:      pub,
		audit:    audit,
		timeout:  2 * time.Second,
		attempts: 4,
		backoff:  50 * time.Millisecond,
		log:      log.With().Str("component", "broadcaster").Logger(),
		stop:     make(chan struct{}),
		queue:    make(chan Event, queueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// OnFailure installs the hook invoked for undeliverable events.
func (b *Broadcaster) OnFailure(fn FailureFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

// Publish queues ev and returns immediately.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.Warn().Str("alert_id", ev.AlertID).Str("type", string(ev.Type)).Msg("broadcast after close dropped")
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.fail(ev, ErrQueueFull)
		}()
	}
}

// Close stops accepting events and waits until the queue is drained or ctx expires. Pending
// retries are abandoned once ctx expires.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.stopOnce.Do(func() { close(b.stop) })
		return fmt.Errorf("drain broadcast queue: %w", ctx.Err())
	}
}

// Stats returns delivered and failed event counts.
func (b *Broadcaster) Stats() (delivered, failed int64) {
	return b.delivered.Load(), b.failed.Load()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.deliver(ev)
	}
}

func (b *Broadcaster) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.fail(ev, fmt.Errorf("encode event: %w", err))
		return
	}

	var errs []error
	for _, topic := range []string{GlobalTopic, AlertTopic(ev.AlertID)} {
		err := b.retry(ev, "publish "+topic, func(ctx context.Context) error {
			return b.pub.Publish(ctx, topic, payload)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	if b.audit != nil {
		if err := b.retry(ev, "audit", func(ctx context.Context) error { return b.audit.Record(ctx, ev) }); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		b.fail(ev, err)
		return
	}
	b.delivered.Add(1)
}

// retry runs fn until it succeeds, the attempts are used up or the broadcaster is stopped.
func (b *Broadcaster) retry(ev Event, op string, fn func(ctx context.Context) error) error {
	wait := b.backoff
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err = fn(ctx)
		cancel()
		if err == nil || attempt >= b.attempts {
			return err
		}
		b.log.Debug().
			Err(err).
			Str("alert_id", ev.AlertID).
			Int64("sequence", ev.Sequence).
			Str("op", op).
			Int("attempt", attempt).
			Msg("event delivery retry")

		select {
		case <-b.stop:
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (b *Broadcaster) fail(ev Event, err error) {
	b.failed.Add(1)
	b.log.Warn().
		Err(err).
		Str("alert_id", ev.AlertID).
		Str("type", string(ev.Type)).
		Int64("sequence", ev.Sequence).
		Msg("event delivery failed")

	b.mu.RLock()
	hook := b.onFailure
	b.mu.RUnlock()
	if hook != nil {
		hook(ev, err)
	}
}
