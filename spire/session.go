package spire

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type sessionData struct {
	URL        string `json:"url"`
	Capability string `json:"capability"`
	Resources  struct {
		Channels      Ref         `json:"channels"`
		Subscriptions Ref         `json:"subscriptions"`
		Account       accountData `json:"account"`
	} `json:"resources"`
}

type accountData struct {
	URL        string `json:"url"`
	Capability string `json:"capability"`
	Email      string `json:"email,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Account is the account a session belongs to. It is empty for sessions
// created from an API key.
type Account struct {
	data accountData
}

func (a Account) URL() string          { return a.data.URL }
func (a Account) Capability() string   { return a.data.Capability }
func (a Account) ResourceName() string { return "account" }
func (a Account) Email() string        { return a.data.Email }
func (a Account) Secret() string       { return a.data.Secret }

// Session is an authenticated session. Channels and subscriptions resolved
// through it are cached by name for its lifetime.
type Session struct {
	opts    options
	data    sessionData
	desc    *Descriptor
	version string
	wire    *wire
	lg      *zap.Logger
	hooks   Hooks
	cursors cache.Cache

	group         singleflight.Group
	mu            sync.Mutex
	channels      map[string]*Channel
	subscriptions map[string]*Subscription
}

func newSession(m *sessionManager, desc *Descriptor, data sessionData) *Session {
	return &Session{
		opts:          m.opts,
		data:          data,
		desc:          desc,
		version:       m.opts.apiVersion,
		wire:          m.wire,
		lg:            m.lg,
		hooks:         m.hooks,
		cursors:       m.opts.cursorStore,
		channels:      map[string]*Channel{},
		subscriptions: map[string]*Subscription{},
	}
}

func (s *Session) URL() string          { return s.data.URL }
func (s *Session) Capability() string   { return s.data.Capability }
func (s *Session) ResourceName() string { return "session" }

func (s *Session) Account() Account {
	return Account{data: s.data.Resources.Account}
}

func (s *Session) pollOptions(opts []PollOption) pollOptions {
	return s.opts.pollOptions(opts)
}

func (s *Session) mediaType(name string) string {
	return s.desc.MediaType(s.version, name)
}

// authorize returns the header for a collection, using the session's own
// capability when the collection carries none.
func (s *Session) authorize(ref Ref) (string, error) {
	if ref.Capability != "" {
		return capabilityHeader(ref.Capability)
	}
	return Authorization(s)
}

func (s *Session) cachedChannel(name string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[name]
}

func (s *Session) rememberChannel(ch *Channel) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[ch.Name()]; ok && existing.URL() == ch.URL() {
		return existing
	}
	s.channels[ch.Name()] = ch
	return ch
}

func (s *Session) cachedSubscription(name string) *Subscription {
	if name == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[name]
}

func (s *Session) rememberSubscription(sub *Subscription) *Subscription {
	if sub.Name() == "" {
		return sub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subscriptions[sub.Name()]; ok && existing.URL() == sub.URL() {
		return existing
	}
	s.subscriptions[sub.Name()] = sub
	return sub
}

// create posts body to a collection and decodes the created resource. A 409
// becomes ErrResourceExists.
func (s *Session) create(ctx context.Context, collection Ref, mediaType string, body any, out any) error {
	if collection.URL == "" {
		return errors.Wrap(ErrMalformedResource, fmt.Errorf("session has no %s collection", mediaType))
	}
	auth, err := s.authorize(collection)
	if err != nil {
		return err
	}
	_, err = s.wire.do(ctx, call{
		method:        http.MethodPost,
		url:           collection.URL,
		authorization: auth,
		contentType:   s.mediaType(mediaType),
		accept:        s.mediaType(mediaType),
		body:          body,
		failure:       ErrResourceCreation,
	}, out)
	if err != nil && StatusCode(err) == http.StatusConflict {
		return errors.Wrap(ErrResourceExists, err).WithStatusCode(http.StatusConflict)
	}
	return err
}

type nameQuery struct {
	Name string `query:"name"`
}

// lookup fetches the members of a collection, filtered by name when name is
// set. The service answers with an object keyed by resource name.
func lookup[T any](ctx context.Context, s *Session, collection Ref, mediaType string, name string) (map[string]T, error) {
	if collection.URL == "" {
		return nil, errors.Wrap(ErrMalformedResource, fmt.Errorf("missing %s collection", mediaType))
	}
	auth, err := s.authorize(collection)
	if err != nil {
		return nil, err
	}
	c := call{
		method:        http.MethodGet,
		url:           collection.URL,
		authorization: auth,
		accept:        s.mediaType(mediaType),
		failure:       ErrResourceNotFound,
	}
	if name != "" {
		c.query = nameQuery{Name: name}
	}
	found := map[string]T{}
	if _, err := s.wire.do(ctx, c, &found); err != nil {
		return nil, err
	}
	return found, nil
}

func notFound(kind, name string) error {
	return errors.Wrap(ErrResourceNotFound, fmt.Errorf("%s %q", kind, name)).WithStatusCode(http.StatusNotFound)
}
