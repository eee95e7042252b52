package spire

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/infigaming-com/go-spire/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type channelData struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Resources  struct {
		Subscriptions Ref `json:"subscriptions"`
	} `json:"resources"`
}

// Channel is a named message stream.
type Channel struct {
	data    channelData
	session *Session

	mu   sync.Mutex
	subs map[string]*Subscription
}

func newChannel(s *Session, data channelData) (*Channel, error) {
	if data.URL == "" || data.Capability == "" {
		return nil, errors.Wrap(ErrMalformedResource, fmt.Errorf("channel %q without url or capability", data.Name))
	}
	return &Channel{data: data, session: s}, nil
}

func (c *Channel) URL() string          { return c.data.URL }
func (c *Channel) Capability() string   { return c.data.Capability }
func (c *Channel) ResourceName() string { return "channel" }
func (c *Channel) Name() string         { return c.data.Name }

// CreateChannel creates a channel. It fails with ErrResourceExists when the
// name is taken.
func (s *Session) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	if name == "" {
		return nil, errors.Wrap(ErrResourceCreation, fmt.Errorf("channel name required"))
	}
	var data channelData
	if err := s.create(ctx, s.data.Resources.Channels, "channel", map[string]string{"name": name}, &data); err != nil {
		return nil, err
	}
	if data.Name == "" {
		data.Name = name
	}
	ch, err := newChannel(s, data)
	if err != nil {
		return nil, err
	}
	s.lg.Debug("channel created", zap.String("name", name), zap.String("url", ch.URL()))
	return s.rememberChannel(ch), nil
}

// FindOrCreateChannel returns the cached channel, creates it, or when the
// name is already taken looks it up.
func (s *Session) FindOrCreateChannel(ctx context.Context, name string) (*Channel, error) {
	if ch := s.cachedChannel(name); ch != nil {
		return ch, nil
	}
	v, err, _ := s.group.Do("channel:"+name, func() (any, error) {
		if ch := s.cachedChannel(name); ch != nil {
			return ch, nil
		}
		ch, err := s.CreateChannel(ctx, name)
		if stderrors.Is(err, ErrResourceExists) {
			s.lg.Debug("channel exists, looking it up", zap.String("name", name))
			return s.fetchChannel(ctx, name)
		}
		return ch, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// ChannelByName returns a channel by name, hitting the service only the
// first time a name is resolved.
func (s *Session) ChannelByName(ctx context.Context, name string) (*Channel, error) {
	if ch := s.cachedChannel(name); ch != nil {
		return ch, nil
	}
	v, err, _ := s.group.Do("channel-lookup:"+name, func() (any, error) {
		if ch := s.cachedChannel(name); ch != nil {
			return ch, nil
		}
		return s.fetchChannel(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (s *Session) fetchChannel(ctx context.Context, name string) (*Channel, error) {
	found, err := lookup[channelData](ctx, s, s.data.Resources.Channels, "channels", name)
	if err != nil {
		return nil, err
	}
	data, ok := found[name]
	if !ok {
		return nil, notFound("channel", name)
	}
	if data.Name == "" {
		data.Name = name
	}
	ch, err := newChannel(s, data)
	if err != nil {
		return nil, err
	}
	return s.rememberChannel(ch), nil
}

// Publish posts content to the channel. Strings are sent as JSON strings,
// anything else as its JSON encoding.
func (c *Channel) Publish(ctx context.Context, content any) (Message, error) {
	s := c.session
	auth, err := Authorization(c)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	_, err = s.wire.do(ctx, call{
		method:        http.MethodPost,
		url:           c.URL(),
		authorization: auth,
		contentType:   s.mediaType("message"),
		accept:        s.mediaType("message"),
		body:          map[string]any{"content": content},
		failure:       ErrPublish,
	}, &msg)
	if err != nil {
		s.hooks.publishFailed(ctx, c.Name(), err)
		return Message{}, err
	}
	if msg.Channel == "" {
		msg.Channel = c.URL()
	}
	s.hooks.published(ctx, c.Name(), msg.Key)
	return msg, nil
}

// Subscriptions lists the named subscriptions of the channel keyed by name.
// The listing is cached until RefreshSubscriptions.
func (c *Channel) Subscriptions(ctx context.Context) (map[string]*Subscription, error) {
	c.mu.Lock()
	subs := c.subs
	if subs != nil {
		subs = lo.Assign(subs)
	}
	c.mu.Unlock()
	if subs != nil {
		return subs, nil
	}
	return c.RefreshSubscriptions(ctx)
}

func (c *Channel) RefreshSubscriptions(ctx context.Context) (map[string]*Subscription, error) {
	s := c.session
	found, err := lookup[subscriptionData](ctx, s, c.data.Resources.Subscriptions, "subscriptions", "")
	if err != nil {
		return nil, err
	}
	subs := make(map[string]*Subscription, len(found))
	for name, data := range found {
		if data.Name == "" {
			data.Name = name
		}
		sub, err := newSubscription(s, data)
		if err != nil {
			return nil, err
		}
		subs[name] = s.rememberSubscription(sub)
	}
	for _, sub := range subs {
		sub.restoreCursor(ctx)
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
	return lo.Assign(subs), nil
}

// CreateSubscription creates a subscription to this channel alone. An empty
// name creates an anonymous subscription.
func (c *Channel) CreateSubscription(ctx context.Context, name string) (*Subscription, error) {
	collection := c.data.Resources.Subscriptions
	if collection.URL == "" {
		collection = c.session.data.Resources.Subscriptions
	}
	sub, err := c.session.createSubscription(ctx, collection, name, []string{c.URL()})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.subs != nil && sub.Name() != "" {
		c.subs[sub.Name()] = sub
	}
	c.mu.Unlock()
	return sub, nil
}
