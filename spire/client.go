package spire

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/errors"
	"go.uber.org/zap"
)

// Client talks to one spire service. It owns a single session, created on
// first use and shared by every call; independent clients share nothing.
type Client struct {
	opts      options
	lg        *zap.Logger
	wire      *wire
	discovery *discovery
	sessions  *sessionManager

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
}

func New(opts ...Option) (*Client, error) {
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	if base.logger == nil {
		base.logger = zap.L()
	}
	u, err := url.Parse(base.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrap(ErrInvalidOption, fmt.Errorf("service url %q", base.url))
	}
	if base.descriptorCache == nil {
		base.descriptorCache = cache.NewDefaultFreeCache()
	}

	w := newWire(base)
	d := newDiscovery(base.url, w, base.descriptorCache, base.logger)
	return &Client{
		opts:      base,
		lg:        base.logger,
		wire:      w,
		discovery: d,
		sessions:  newSessionManager(base, w, d),
		listeners: map[*Listener]struct{}{},
	}, nil
}

// Descriptor returns the discovery document, fetching it on first use.
func (c *Client) Descriptor(ctx context.Context) (*Descriptor, error) {
	return c.discovery.Get(ctx)
}

// Do runs op with the client's session, connecting first when needed.
// Operations submitted while a connection is in progress run in submission
// order once it completes, on the connecting goroutine: the operation that
// started the connection runs first, then the queued ones. Do returns only
// after all of them have run when it is the call that connects.
func (c *Client) Do(ctx context.Context, op Operation) {
	if err := c.guard(); err != nil {
		op(ctx, nil, err)
		return
	}
	c.sessions.Do(ctx, op)
}

// Go is Do without blocking the caller.
func (c *Client) Go(ctx context.Context, op Operation) {
	if err := c.guard(); err != nil {
		go op(ctx, nil, err)
		return
	}
	c.sessions.Go(ctx, op)
}

// Session returns the current session, or nil before one is established.
func (c *Client) Session() *Session {
	return c.sessions.Session()
}

// Connect returns the session, creating it from the configured key or secret
// if needed.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	return withSession(ctx, c, func(_ context.Context, s *Session) (*Session, error) {
		return s, nil
	})
}

// Start creates the session from an account secret.
func (c *Client) Start(ctx context.Context, secret string) (*Session, error) {
	return c.authenticate(ctx, credential{secret: secret})
}

// Login creates the session from an account email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, credential{email: email, password: password})
}

// Register creates an account and a session for it.
func (c *Client) Register(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, credential{email: email, password: password, register: true})
}

func (c *Client) authenticate(ctx context.Context, cred credential) (*Session, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	done := make(chan sessionResult, 1)
	go c.sessions.Authenticate(ctx, cred, func(_ context.Context, s *Session, err error) {
		done <- sessionResult{session: s, err: err}
	})
	select {
	case res := <-done:
		return res.session, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sessionResult struct {
	session *Session
	err     error
}

// withSession runs fn with the session and waits for its result or ctx. The
// submission runs on its own goroutine: when this call starts the connection,
// the operations queued behind it are drained there and must not hold up the
// caller once its own result is in.
func withSession[T any](ctx context.Context, c *Client, fn func(ctx context.Context, s *Session) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	if err := c.guard(); err != nil {
		return zero, err
	}
	done := make(chan result, 1)
	go c.sessions.Do(ctx, func(opCtx context.Context, s *Session, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		v, err := fn(opCtx, s)
		done <- result{v: v, err: err}
	})
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Client) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Channel, error) {
		return s.CreateChannel(ctx, name)
	})
}

func (c *Client) FindOrCreateChannel(ctx context.Context, name string) (*Channel, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Channel, error) {
		return s.FindOrCreateChannel(ctx, name)
	})
}

func (c *Client) ChannelByName(ctx context.Context, name string) (*Channel, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Channel, error) {
		return s.ChannelByName(ctx, name)
	})
}

func (c *Client) CreateSubscription(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Subscription, error) {
		return s.CreateSubscription(ctx, spec)
	})
}

func (c *Client) FindOrCreateSubscription(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Subscription, error) {
		return s.FindOrCreateSubscription(ctx, spec)
	})
}

func (c *Client) SubscriptionByName(ctx context.Context, name string) (*Subscription, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (*Subscription, error) {
		return s.SubscriptionByName(ctx, name)
	})
}

// Publish sends content to the named channel, creating the channel if it does
// not exist.
func (c *Client) Publish(ctx context.Context, channel string, content any) (Message, error) {
	return withSession(ctx, c, func(ctx context.Context, s *Session) (Message, error) {
		ch, err := s.FindOrCreateChannel(ctx, channel)
		if err != nil {
			s.hooks.publishFailed(ctx, channel, err)
			return Message{}, err
		}
		return ch.Publish(ctx, content)
	})
}

// PublishAsync is Publish with a callback. Calls made before the session
// exists are published in call order.
func (c *Client) PublishAsync(ctx context.Context, channel string, content any, callback func(Message, error)) {
	c.Go(ctx, func(ctx context.Context, s *Session, err error) {
		if err != nil {
			callback(Message{}, err)
			return
		}
		ch, err := s.FindOrCreateChannel(ctx, channel)
		if err != nil {
			s.hooks.publishFailed(ctx, channel, err)
			callback(Message{}, err)
			return
		}
		callback(ch.Publish(ctx, content))
	})
}

// Listen returns an idle listener for sub that the client stops on Close.
func (c *Client) Listen(sub *Subscription) *Listener {
	l := NewListener(sub)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		l.state = ListenerStopped
		l.stopOnce.Do(func() { close(l.stopCh) })
		close(l.done)
		return l
	}
	l.onExit = c.forget
	c.listeners[l] = struct{}{}
	return l
}

func (c *Client) forget(l *Listener) {
	c.mu.Lock()
	delete(c.listeners, l)
	c.mu.Unlock()
}

// Subscribe listens to a channel without any handle to stop it: it finds or
// creates the channel, creates an anonymous subscription to it and calls
// onMessages with every non-empty batch until ctx is done or the client is
// closed. onSubscribed, if set, receives the subscription or the error that
// prevented it. Poll errors are retried with the client's backoff without an
// attempt limit, whatever poll error policy the client was built with, since
// nothing could resume a paused loop.
func (c *Client) Subscribe(ctx context.Context, channel string, onMessages func([]Message), onSubscribed func(*Subscription, error)) {
	notify := func(sub *Subscription, err error) {
		if onSubscribed != nil {
			onSubscribed(sub, err)
		}
	}
	c.Go(ctx, func(ctx context.Context, s *Session, err error) {
		if err != nil {
			notify(nil, err)
			return
		}
		ch, err := s.FindOrCreateChannel(ctx, channel)
		if err != nil {
			notify(nil, err)
			return
		}
		sub, err := ch.CreateSubscription(ctx, "")
		if err != nil {
			notify(nil, err)
			return
		}
		l := c.Listen(sub)
		l.onBatch = func(_ context.Context, msgs []Message) { onMessages(msgs) }
		l.policy = PollErrorRetry
		l.retry.MaxAttempts = 0
		if err := l.Start(ctx); err != nil {
			notify(nil, err)
			return
		}
		notify(sub, nil)
	})
}

// Close stops every listener started through the client and forgets the
// session. Calls after Close fail with ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := make([]*Listener, 0, len(c.listeners))
	for l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listeners = map[*Listener]struct{}{}
	c.mu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
	c.sessions.Reset()
	c.lg.Debug("client closed", zap.Int("listeners", len(listeners)))
}

func (c *Client) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}
