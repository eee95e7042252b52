package spire

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/errors"
	"github.com/infigaming-com/go-spire/request"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type subscriptionData struct {
	URL         string   `json:"url"`
	Name        string   `json:"name,omitempty"`
	Capability  string   `json:"capability"`
	Channels    []string `json:"channels"`
	Events      []string `json:"events,omitempty"`
	LastMessage string   `json:"last-message,omitempty"`
}

// SubscriptionSpec describes a subscription to create. Channels are resolved
// by name with find-or-create semantics. An empty Name makes the subscription
// anonymous.
type SubscriptionSpec struct {
	Name     string
	Channels []string
}

// Subscription receives the messages of one or more channels by polling. It
// owns the cursor: the key of the last message consumed.
type Subscription struct {
	data    subscriptionData
	session *Session

	mu     sync.Mutex
	cursor string
}

func newSubscription(s *Session, data subscriptionData) (*Subscription, error) {
	if data.URL == "" || data.Capability == "" {
		return nil, errors.Wrap(ErrMalformedResource, fmt.Errorf("subscription %q without url or capability", data.Name))
	}
	return &Subscription{data: data, session: s, cursor: data.LastMessage}, nil
}

func (s *Subscription) URL() string          { return s.data.URL }
func (s *Subscription) Capability() string   { return s.data.Capability }
func (s *Subscription) ResourceName() string { return "subscription" }
func (s *Subscription) Name() string         { return s.data.Name }

// Channels returns the URLs of the channels the subscription listens to.
func (s *Subscription) Channels() []string {
	return append([]string(nil), s.data.Channels...)
}

// Cursor returns the key of the last consumed message, empty before the first
// message arrives.
func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// advance moves the cursor from from to to. It does nothing if the cursor has
// moved since from was read, so a slower concurrent poll can never move it
// back.
func (s *Subscription) advance(ctx context.Context, from, to string) bool {
	if to == "" {
		return false
	}
	s.mu.Lock()
	if s.cursor != from {
		s.mu.Unlock()
		return false
	}
	s.cursor = to
	s.mu.Unlock()

	s.checkpoint(ctx, to)
	return true
}

func (s *Subscription) cursorKey() string {
	return "spire:cursor:" + s.URL()
}

func (s *Subscription) checkpoint(ctx context.Context, cursor string) {
	store := s.session.cursors
	if store == nil {
		return
	}
	if err := store.Set(ctx, s.cursorKey(), cursor, 0); err != nil {
		s.session.lg.Warn("failed to checkpoint cursor", zap.Error(err), zap.String("subscription", s.URL()))
	}
}

// restoreCursor loads a checkpointed cursor when the subscription has none.
func (s *Subscription) restoreCursor(ctx context.Context) {
	store := s.session.cursors
	if store == nil {
		return
	}
	cursor, err := store.Get(ctx, s.cursorKey())
	if err != nil {
		if !stderrors.Is(err, cache.ErrKeyNotFound) {
			s.session.lg.Warn("failed to restore cursor", zap.Error(err), zap.String("subscription", s.URL()))
		}
		return
	}
	if s.advance(ctx, "", cursor) {
		s.session.lg.Debug("cursor restored", zap.String("subscription", s.URL()), zap.String("cursor", cursor))
	}
}

type pollQuery struct {
	Timeout     int    `query:"timeout"`
	LastMessage string `query:"last-message"`
}

// Poll issues one long poll from the current cursor and advances the cursor
// past the returned messages. A poll that ends without data returns an empty,
// TimedOut batch and no error.
func (s *Subscription) Poll(ctx context.Context, opts ...PollOption) (Events, error) {
	cursor := s.Cursor()
	events, err := s.fetch(ctx, cursor, s.session.pollOptions(opts))
	if err != nil {
		s.session.hooks.polled(ctx, s.URL(), PollError, 0)
		return Events{}, err
	}
	s.session.hooks.polled(ctx, s.URL(), events.outcome(), len(events.Messages))
	if n := len(events.Messages); n > 0 {
		s.advance(ctx, cursor, events.Messages[n-1].Key)
	}
	return events, nil
}

// fetch polls from cursor without touching the subscription's state.
func (s *Subscription) fetch(ctx context.Context, cursor string, po pollOptions) (Events, error) {
	ss := s.session
	auth, err := Authorization(s)
	if err != nil {
		return Events{}, err
	}

	window := max(po.timeout, minPollTimeout)
	var events Events
	_, err = ss.wire.do(ctx, call{
		method:        http.MethodGet,
		url:           s.URL(),
		authorization: auth,
		contentType:   ss.mediaType("events"),
		accept:        ss.mediaType("events"),
		query: pollQuery{
			Timeout:     int(window / time.Second),
			LastMessage: cursor,
		},
		timeout: window + ss.opts.pollGrace,
		failure: ErrPollTransport,
	}, &events)
	switch {
	case err == nil:
		return events, nil
	case request.IsTimeout(err) || StatusCode(err) == http.StatusGatewayTimeout:
		return Events{TimedOut: true}, nil
	}
	return Events{}, err
}

// CreateSubscription creates a subscription to the named channels, creating
// any channel that does not exist yet. It fails with ErrResourceExists when a
// named subscription already exists.
func (s *Session) CreateSubscription(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	if len(spec.Channels) == 0 {
		return nil, errors.Wrap(ErrResourceCreation, fmt.Errorf("subscription needs at least one channel"))
	}
	urls := make([]string, 0, len(spec.Channels))
	for _, name := range lo.Uniq(spec.Channels) {
		ch, err := s.FindOrCreateChannel(ctx, name)
		if err != nil {
			return nil, err
		}
		urls = append(urls, ch.URL())
	}
	return s.createSubscription(ctx, s.data.Resources.Subscriptions, spec.Name, urls)
}

func (s *Session) createSubscription(ctx context.Context, collection Ref, name string, channelURLs []string) (*Subscription, error) {
	body := subscriptionData{
		Name:     name,
		Events:   []string{"messages"},
		Channels: channelURLs,
	}
	var data subscriptionData
	if err := s.create(ctx, collection, "subscription", body, &data); err != nil {
		return nil, err
	}
	if data.Name == "" {
		data.Name = name
	}
	sub, err := newSubscription(s, data)
	if err != nil {
		return nil, err
	}
	s.lg.Debug("subscription created", zap.String("name", name), zap.String("url", sub.URL()))
	sub = s.rememberSubscription(sub)
	sub.restoreCursor(ctx)
	return sub, nil
}

// FindOrCreateSubscription returns the cached subscription, creates it, or
// when the name is already taken looks it up. Anonymous specs always create.
func (s *Session) FindOrCreateSubscription(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	if spec.Name == "" {
		return s.CreateSubscription(ctx, spec)
	}
	if sub := s.cachedSubscription(spec.Name); sub != nil {
		return sub, nil
	}
	v, err, _ := s.group.Do("subscription:"+spec.Name, func() (any, error) {
		if sub := s.cachedSubscription(spec.Name); sub != nil {
			return sub, nil
		}
		sub, err := s.CreateSubscription(ctx, spec)
		if stderrors.Is(err, ErrResourceExists) {
			s.lg.Debug("subscription exists, looking it up", zap.String("name", spec.Name))
			return s.fetchSubscription(ctx, spec.Name)
		}
		return sub, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

// SubscriptionByName returns a subscription by name, hitting the service only
// the first time a name is resolved.
func (s *Session) SubscriptionByName(ctx context.Context, name string) (*Subscription, error) {
	if sub := s.cachedSubscription(name); sub != nil {
		return sub, nil
	}
	v, err, _ := s.group.Do("subscription-lookup:"+name, func() (any, error) {
		if sub := s.cachedSubscription(name); sub != nil {
			return sub, nil
		}
		return s.fetchSubscription(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

func (s *Session) fetchSubscription(ctx context.Context, name string) (*Subscription, error) {
	if name == "" {
		return nil, notFound("subscription", name)
	}
	found, err := lookup[subscriptionData](ctx, s, s.data.Resources.Subscriptions, "subscriptions", name)
	if err != nil {
		return nil, err
	}
	data, ok := found[name]
	if !ok {
		return nil, notFound("subscription", name)
	}
	if data.Name == "" {
		data.Name = name
	}
	sub, err := newSubscription(s, data)
	if err != nil {
		return nil, err
	}
	sub = s.rememberSubscription(sub)
	sub.restoreCursor(ctx)
	return sub, nil
}
