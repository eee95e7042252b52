package spire

import (
	"context"
	"fmt"
	"sync"

	"github.com/infigaming-com/go-spire/spire/internal/backoff"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ListenerState is the lifecycle of a Listener. Stopped is terminal.
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerListening
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerListening:
		return "listening"
	case ListenerStopped:
		return "stopped"
	}
	return fmt.Sprintf("ListenerState(%d)", int32(s))
}

// EventType selects which events a callback registered with AddListener receives.
type EventType string

const (
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Event is passed to listener callbacks. Message is set for EventMessage and
// Err for EventError.
type Event struct {
	Type         EventType
	Subscription *Subscription
	Message      Message
	Err          error
}

// ListenerFunc handles one event. A returned error or a panic is logged and
// reported to Hooks.OnListenerError; it never stops the loop.
type ListenerFunc func(ctx context.Context, ev Event) error

// ListenerID identifies a callback for RemoveListener.
type ListenerID uint64

type registration struct {
	id  ListenerID
	typ EventType
	fn  ListenerFunc
}

// Listener runs the long-poll loop of one subscription: it polls from the
// subscription's cursor, advances the cursor past each batch and delivers the
// messages to the registered callbacks, then polls again.
type Listener struct {
	sub     *Subscription
	lg      *zap.Logger
	hooks   Hooks
	policy  PollErrorPolicy
	retry   RetryPolicy
	onBatch func(ctx context.Context, msgs []Message)
	onExit  func(*Listener)

	mu       sync.Mutex
	state    ListenerState
	regs     []registration
	nextID   ListenerID
	paused   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	resumeCh chan struct{}
	done     chan struct{}
}

// NewListener creates an idle listener for sub.
func NewListener(sub *Subscription) *Listener {
	o := sub.session.opts
	return &Listener{
		sub:      sub,
		lg:       sub.session.lg.With(zap.String("subscription", sub.URL())),
		hooks:    o.hooks,
		policy:   o.pollErrorPolicy,
		retry:    o.retryPolicy,
		stopCh:   make(chan struct{}),
		resumeCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (l *Listener) Subscription() *Subscription {
	return l.sub
}

// AddListener registers fn for events of type t. Callbacks run in
// registration order. It is safe to call in any state, including from a
// callback.
func (l *Listener) AddListener(t EventType, fn ListenerFunc) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.regs = append(l.regs, registration{id: l.nextID, typ: t, fn: fn})
	return l.nextID
}

// RemoveListener unregisters a callback and reports whether it was present.
func (l *Listener) RemoveListener(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.regs)
	l.regs = lo.Reject(l.regs, func(r registration, _ int) bool { return r.id == id })
	return len(l.regs) != n
}

func (l *Listener) registrations(t EventType) []registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Filter(l.regs, func(r registration, _ int) bool { return r.typ == t })
}

// Start moves the listener from Idle to Listening and starts polling in the
// background. The loop ends on Stop or when ctx is done.
func (l *Listener) Start(ctx context.Context, opts ...PollOption) error {
	l.mu.Lock()
	switch l.state {
	case ListenerListening:
		l.mu.Unlock()
		return ErrListenerStarted
	case ListenerStopped:
		l.mu.Unlock()
		return ErrListenerStopped
	}
	l.state = ListenerListening
	l.mu.Unlock()

	po := l.sub.session.pollOptions(opts)
	l.lg.Debug("listener started", zap.Duration("timeout", po.timeout), zap.Stringer("policy", l.policy))
	go l.run(ctx, po)
	return nil
}

// Stop moves the listener to Stopped. No poll is issued after Stop returns. A
// poll already in flight is not aborted but its outcome is discarded; a batch
// already being delivered is delivered in full. Stop may be called from a
// callback and more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	prev := l.state
	l.state = ListenerStopped
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stopCh) })
	if prev == ListenerIdle {
		close(l.done)
		l.exit()
	}
}

// Resume continues a loop paused by a poll error. It does nothing when the
// loop is not paused.
func (l *Listener) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == ListenerStopped {
		return ErrListenerStopped
	}
	if l.paused {
		select {
		case l.resumeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Paused reports whether the loop is waiting for Resume.
func (l *Listener) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Done is closed once the loop has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop has exited or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) stopped(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (l *Listener) run(ctx context.Context, po pollOptions) {
	defer func() {
		l.mu.Lock()
		l.state = ListenerStopped
		l.paused = false
		l.mu.Unlock()
		l.stopOnce.Do(func() { close(l.stopCh) })
		close(l.done)
		l.exit()
		l.lg.Debug("listener stopped")
	}()

	url := l.sub.URL()
	bo := backoff.New(backoff.Config{
		Initial:    l.retry.InitialBackoff,
		Max:        l.retry.MaxBackoff,
		Multiplier: l.retry.Multiplier,
		Jitter:     l.retry.Jitter,
	})
	failures := 0

	for !l.stopped(ctx) {
		cursor := l.sub.Cursor()
		events, err := l.sub.fetch(ctx, cursor, po)
		if l.stopped(ctx) {
			l.lg.Debug("discarding poll outcome after stop", zap.Error(err), zap.Int("messages", len(events.Messages)))
			return
		}

		if err != nil {
			failures++
			l.hooks.polled(ctx, url, PollError, 0)
			l.lg.Warn("poll failed", zap.Error(err), zap.Int("failures", failures), zap.Stringer("policy", l.policy))
			l.emit(ctx, Event{Type: EventError, Subscription: l.sub, Err: err})

			if l.policy == PollErrorRetry && (l.retry.MaxAttempts == 0 || failures < l.retry.MaxAttempts) {
				if !bo.Sleep(ctx, l.stopCh) {
					return
				}
				continue
			}
			if !l.pause(ctx) {
				return
			}
			failures = 0
			bo.Reset()
			continue
		}
		failures = 0
		bo.Reset()

		l.hooks.polled(ctx, url, events.outcome(), len(events.Messages))
		if events.Empty() {
			continue
		}

		// commit before delivery so a callback that stops the listener cannot
		// cause the batch to be polled again
		l.sub.advance(ctx, cursor, events.Messages[len(events.Messages)-1].Key)
		l.deliver(ctx, events.Messages)
	}
}

// pause parks the loop until Resume, Stop or ctx. It reports whether to keep
// polling.
func (l *Listener) pause(ctx context.Context) bool {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.lg.Warn("listener paused after poll error")

	defer func() {
		l.mu.Lock()
		l.paused = false
		l.mu.Unlock()
	}()
	select {
	case <-l.resumeCh:
		l.lg.Info("listener resumed")
		return !l.stopped(ctx)
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) deliver(ctx context.Context, msgs []Message) {
	if l.onBatch != nil {
		l.safely(ctx, func() error {
			l.onBatch(ctx, msgs)
			return nil
		})
	}
	for _, msg := range msgs {
		l.emit(ctx, Event{Type: EventMessage, Subscription: l.sub, Message: msg})
	}
}

func (l *Listener) emit(ctx context.Context, ev Event) {
	for _, r := range l.registrations(ev.Type) {
		l.safely(ctx, func() error { return r.fn(ctx, ev) })
	}
}

func (l *Listener) safely(ctx context.Context, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		l.lg.Warn("listener callback failed", zap.Error(err))
		l.hooks.listenerFailed(ctx, l.sub.URL(), err)
	}
}

func (l *Listener) exit() {
	if l.onExit != nil {
		l.onExit(l)
	}
}
