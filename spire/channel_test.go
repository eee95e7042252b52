package spire

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/infigaming-com/go-spire/spire/spiretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSession(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	done := make(chan struct{})
	var (
		got    Message
		gotErr error
	)
	c.PublishAsync(testContext(t), "c1", "hello", func(msg Message, err error) {
		got, gotErr = msg, err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	assert.Equal(t, "hello", got.Text())
	assert.NotEmpty(t, got.Key)
	assert.Equal(t, 1, srv.Count(spiretest.EndpointDiscovery))
	assert.Equal(t, 1, srv.Count(spiretest.EndpointSessions))
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelCreate))
	assert.Equal(t, 1, srv.Count(spiretest.EndpointPublish))
}

func TestPublishStructuredContent(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	type order struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	msg, err := c.Publish(testContext(t), "orders", order{ID: "o-1", Total: 42})
	require.NoError(t, err)

	var decoded order
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, order{ID: "o-1", Total: 42}, decoded)
	assert.JSONEq(t, `{"id":"o-1","total":42}`, msg.Text())
	assert.False(t, msg.Time().IsZero())
}

func TestFindOrCreateChannelCreatesOnce(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	first, err := c.FindOrCreateChannel(ctx, "news")
	require.NoError(t, err)
	second, err := c.FindOrCreateChannel(ctx, "news")
	require.NoError(t, err)

	assert.Equal(t, first.URL(), second.URL())
	assert.Same(t, first, second)
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelCreate))
	assert.Zero(t, srv.Count(spiretest.EndpointChannelLookup))
}

func TestFindOrCreateChannelConcurrentCallers(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		urls = map[string]bool{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := c.FindOrCreateChannel(ctx, "busy")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			urls[ch.URL()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, urls, 1)
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelCreate))
}

func TestFindOrCreateChannelFallsBackOnConflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := testContext(t)
	owner := newTestClient(t, srv)
	other := newTestClient(t, srv)

	created, err := owner.CreateChannel(ctx, "shared")
	require.NoError(t, err)

	found, err := other.FindOrCreateChannel(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, created.URL(), found.URL())
	assert.Equal(t, created.Capability(), found.Capability())
	assert.Equal(t, 2, srv.Count(spiretest.EndpointChannelCreate))
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelLookup))

	again, err := other.FindOrCreateChannel(ctx, "shared")
	require.NoError(t, err)
	assert.Same(t, found, again)
	assert.Equal(t, 2, srv.Count(spiretest.EndpointChannelCreate))
}

func TestCreateChannelConflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := testContext(t)
	c := newTestClient(t, srv)

	_, err := c.CreateChannel(ctx, "dup")
	require.NoError(t, err)
	_, err = newTestClient(t, srv).CreateChannel(ctx, "dup")
	assert.ErrorIs(t, err, ErrResourceExists)
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	_, err = c.CreateChannel(ctx, "")
	assert.ErrorIs(t, err, ErrResourceCreation)
}

func TestFindOrCreateChannelOtherFailuresAreFatal(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	srv.FailNext(spiretest.EndpointChannelCreate, http.StatusInternalServerError)

	_, err := c.FindOrCreateChannel(testContext(t), "broken")
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.NotErrorIs(t, err, ErrResourceExists)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Zero(t, srv.Count(spiretest.EndpointChannelLookup))
}

func TestChannelByNameIsCached(t *testing.T) {
	srv := newTestServer(t)
	ctx := testContext(t)
	_, err := newTestClient(t, srv).CreateChannel(ctx, "alerts")
	require.NoError(t, err)

	c := newTestClient(t, srv)
	first, err := c.ChannelByName(ctx, "alerts")
	require.NoError(t, err)
	second, err := c.ChannelByName(ctx, "alerts")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelLookup))

	_, err = c.ChannelByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestChannelSubscriptions(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	ch, err := c.FindOrCreateChannel(ctx, "metrics")
	require.NoError(t, err)

	named, err := ch.CreateSubscription(ctx, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, []string{ch.URL()}, named.Channels())
	_, err = ch.CreateSubscription(ctx, "")
	require.NoError(t, err)

	subs, err := ch.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, named.URL(), subs["dashboard"].URL())
	assert.Same(t, named, subs["dashboard"])

	_, err = ch.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Count(spiretest.EndpointChannelSubscriptions))

	_, err = c.CreateSubscription(ctx, SubscriptionSpec{Name: "archive", Channels: []string{"metrics"}})
	require.NoError(t, err)
	subs, err = ch.RefreshSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, 2, srv.Count(spiretest.EndpointChannelSubscriptions))
}

func TestPublishFailureFiresHook(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu       sync.Mutex
		failures []string
		ok       []string
	)
	c := newTestClient(t, srv, WithHooks(Hooks{
		OnPublish: func(_ context.Context, channel, key string) {
			mu.Lock()
			ok = append(ok, channel)
			mu.Unlock()
		},
		OnPublishFail: func(_ context.Context, channel string, err error) {
			mu.Lock()
			failures = append(failures, channel)
			mu.Unlock()
		},
	}))
	ctx := testContext(t)

	_, err := c.Publish(ctx, "flaky", "one")
	require.NoError(t, err)
	srv.FailNext(spiretest.EndpointPublish, http.StatusBadGateway)
	_, err = c.Publish(ctx, "flaky", "two")
	assert.ErrorIs(t, err, ErrPublish)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"flaky"}, ok)
	assert.Equal(t, []string{"flaky"}, failures)
}
