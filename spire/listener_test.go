package spire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infigaming-com/go-spire/spire/spiretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, c *Client, channel string) (*Listener, *collector) {
	t.Helper()
	ctx := testContext(t)
	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{channel}})
	require.NoError(t, err)

	col := &collector{}
	l := c.Listen(sub)
	l.AddListener(EventMessage, col.onMessage)
	l.AddListener(EventError, col.onError)
	require.NoError(t, l.Start(ctx))
	assert.Equal(t, ListenerListening, l.State())
	return l, col
}

func TestListenerDeliversInOrderWithoutDuplicates(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	_, col := startListener(t, c, "c2")
	_, err := c.Publish(ctx, "c2", "msg1")
	require.NoError(t, err)
	_, err = c.Publish(ctx, "c2", "msg2")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.Texts()) == 2 }, eventually, tick)
	polls := srv.Count(spiretest.EndpointPoll)
	require.Eventually(t, func() bool { return srv.Count(spiretest.EndpointPoll) >= polls+3 }, eventually, tick)

	assert.Equal(t, []string{"msg1", "msg2"}, col.Texts())
	assert.Zero(t, col.Errors())
}

func TestStopFromListenerEndsLoop(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"once"}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "once", "a")
	require.NoError(t, err)
	last, err := c.Publish(ctx, "once", "b")
	require.NoError(t, err)

	l := c.Listen(sub)
	var got []string
	l.AddListener(EventMessage, func(_ context.Context, ev Event) error {
		got = append(got, ev.Message.Text())
		l.Stop()
		l.Stop()
		return nil
	})
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Wait(ctx))

	// the batch in hand is delivered in full
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, ListenerStopped, l.State())
	assert.Equal(t, last.Key, sub.Cursor())

	polls := srv.Count(spiretest.EndpointPoll)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, polls, srv.Count(spiretest.EndpointPoll))
	assert.ErrorIs(t, l.Start(ctx), ErrListenerStopped)
}

func TestStopBeforeStartIssuesNoPoll(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"idle"}})
	require.NoError(t, err)
	l := c.Listen(sub)
	assert.Equal(t, ListenerIdle, l.State())

	l.Stop()
	<-l.Done()
	assert.ErrorIs(t, l.Start(ctx), ErrListenerStopped)
	assert.Zero(t, srv.Count(spiretest.EndpointPoll))
}

func TestStopDiscardsInFlightPoll(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, WithPollGrace(0))
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"slow"}})
	require.NoError(t, err)
	srv.HangPolls(true)

	var timeouts atomic.Int32
	l := NewListener(sub)
	l.hooks.OnPoll = func(_ context.Context, _ string, outcome PollOutcome, _ int) {
		if outcome == PollTimeout {
			timeouts.Add(1)
		}
	}
	require.NoError(t, l.Start(ctx))
	require.Eventually(t, func() bool { return srv.Count(spiretest.EndpointPoll) == 1 }, eventually, tick)

	l.Stop()
	assert.Equal(t, ListenerStopped, l.State())
	require.NoError(t, l.Wait(ctx))
	assert.Equal(t, 1, srv.Count(spiretest.EndpointPoll))
	assert.Zero(t, timeouts.Load())
}

func TestListenerKeepsPollingAcrossTimeouts(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, WithPollGrace(0))
	ctx := testContext(t)

	srv.HangPolls(true)
	l, col := startListener(t, c, "sleepy")
	require.Eventually(t, func() bool { return srv.Count(spiretest.EndpointPoll) >= 2 }, eventually, tick)

	srv.HangPolls(false)
	_, err := c.Publish(ctx, "sleepy", "awake")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(col.Texts()) == 1 }, eventually, tick)
	assert.Zero(t, col.Errors())
	assert.Equal(t, ListenerListening, l.State())
}

func TestPollErrorPausesUntilResume(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"bumpy"}})
	require.NoError(t, err)
	srv.FailNext(spiretest.EndpointPoll, http.StatusInternalServerError)

	col := &collector{}
	l := c.Listen(sub)
	l.AddListener(EventMessage, col.onMessage)
	l.AddListener(EventError, func(ctx context.Context, ev Event) error {
		assert.ErrorIs(t, ev.Err, ErrPollTransport)
		assert.Same(t, sub, ev.Subscription)
		return col.onError(ctx, ev)
	})
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, l.Paused, eventually, tick)
	assert.Equal(t, 1, col.Errors())
	assert.Equal(t, ListenerListening, l.State())
	polls := srv.Count(spiretest.EndpointPoll)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, polls, srv.Count(spiretest.EndpointPoll))

	_, err = c.Publish(ctx, "bumpy", "after")
	require.NoError(t, err)
	require.NoError(t, l.Resume())
	require.Eventually(t, func() bool { return len(col.Texts()) == 1 }, eventually, tick)
	assert.False(t, l.Paused())
}

func TestPollErrorRetryPolicy(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv,
		WithPollErrorPolicy(PollErrorRetry),
		WithRetryPolicy(RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}),
	)
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"retry"}})
	require.NoError(t, err)
	_, err = c.Publish(ctx, "retry", "eventually")
	require.NoError(t, err)
	srv.FailNext(spiretest.EndpointPoll, http.StatusInternalServerError)
	srv.FailNext(spiretest.EndpointPoll, http.StatusServiceUnavailable)

	col := &collector{}
	l := c.Listen(sub)
	l.AddListener(EventMessage, col.onMessage)
	l.AddListener(EventError, col.onError)
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, func() bool { return len(col.Texts()) == 1 }, eventually, tick)
	assert.Equal(t, 2, col.Errors())
	assert.False(t, l.Paused())
}

func TestRetryPolicyPausesAfterMaxAttempts(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv,
		WithPollErrorPolicy(PollErrorRetry),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond}),
	)
	for range 3 {
		srv.FailNext(spiretest.EndpointPoll, http.StatusInternalServerError)
	}

	l, col := startListener(t, c, "doomed")
	require.Eventually(t, l.Paused, eventually, tick)
	assert.Equal(t, 2, col.Errors())
	assert.Equal(t, 2, srv.Count(spiretest.EndpointPoll))

	require.NoError(t, l.Resume())
	require.Eventually(t, func() bool { return col.Errors() == 3 }, eventually, tick)
}

func TestFailingCallbacksDoNotStopDelivery(t *testing.T) {
	srv := newTestServer(t)
	var hookErrors atomic.Int32
	c := newTestClient(t, srv, WithHooks(Hooks{
		OnListenerError: func(context.Context, string, error) { hookErrors.Add(1) },
	}))
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"rough"}})
	require.NoError(t, err)
	l := c.Listen(sub)
	l.AddListener(EventMessage, func(context.Context, Event) error { return errors.New("refused") })
	l.AddListener(EventMessage, func(context.Context, Event) error { panic("boom") })
	col := &collector{}
	l.AddListener(EventMessage, col.onMessage)
	require.NoError(t, l.Start(ctx))

	for i := range 3 {
		_, err := c.Publish(ctx, "rough", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(col.Texts()) == 3 }, eventually, tick)
	assert.Equal(t, []string{"m0", "m1", "m2"}, col.Texts())
	assert.Equal(t, int32(6), hookErrors.Load())
	assert.Equal(t, ListenerListening, l.State())
}

func TestRemoveListener(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	sub, err := c.CreateSubscription(ctx, SubscriptionSpec{Channels: []string{"toggle"}})
	require.NoError(t, err)
	l := c.Listen(sub)

	removed, kept := &collector{}, &collector{}
	id := l.AddListener(EventMessage, removed.onMessage)
	l.AddListener(EventMessage, kept.onMessage)
	assert.True(t, l.RemoveListener(id))
	assert.False(t, l.RemoveListener(id))
	require.NoError(t, l.Start(ctx))
	assert.ErrorIs(t, l.Start(ctx), ErrListenerStarted)

	_, err = c.Publish(ctx, "toggle", "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(kept.Texts()) == 1 }, eventually, tick)
	assert.Empty(t, removed.Texts())
}

func TestListenerStopsWithContext(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	sub, err := c.CreateSubscription(testContext(t), SubscriptionSpec{Channels: []string{"scoped"}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	l := c.Listen(sub)
	require.NoError(t, l.Start(ctx))
	require.Eventually(t, func() bool { return srv.Count(spiretest.EndpointPoll) >= 1 }, eventually, tick)

	cancel()
	select {
	case <-l.Done():
	case <-time.After(eventually):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, ListenerStopped, l.State())
}

func TestSubscribeComposite(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	var (
		mu    sync.Mutex
		texts []string
	)
	subscribed := make(chan *Subscription, 1)
	c.Subscribe(ctx, "chat", func(msgs []Message) {
		assert.NotEmpty(t, msgs)
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			texts = append(texts, m.Text())
		}
	}, func(sub *Subscription, err error) {
		assert.NoError(t, err)
		subscribed <- sub
	})
	sub := <-subscribed
	require.NotNil(t, sub)
	assert.Empty(t, sub.Name())

	publisher := newTestClient(t, srv)
	for _, m := range []string{"hi", "there"} {
		_, err := publisher.Publish(ctx, "chat", m)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	}, eventually, tick)
	mu.Lock()
	assert.Equal(t, []string{"hi", "there"}, texts)
	mu.Unlock()
}

func TestSubscribeSurvivesPollError(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, WithRetryPolicy(RetryPolicy{MaxAttempts: 1, InitialBackoff: 10 * time.Millisecond}))
	ctx := testContext(t)
	srv.FailNext(spiretest.EndpointPoll, http.StatusInternalServerError)

	var (
		mu    sync.Mutex
		texts []string
	)
	subscribed := make(chan error, 1)
	c.Subscribe(ctx, "chat", func(msgs []Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			texts = append(texts, m.Text())
		}
	}, func(_ *Subscription, err error) {
		subscribed <- err
	})
	require.NoError(t, <-subscribed)

	_, err := c.Publish(ctx, "chat", "after-error")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1
	}, eventually, tick)
	mu.Lock()
	assert.Equal(t, []string{"after-error"}, texts)
	mu.Unlock()
	assert.GreaterOrEqual(t, srv.Count(spiretest.EndpointPoll), 2)
}

func TestSubscribeReportsFailure(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	srv.FailNext(spiretest.EndpointSubscriptionCreate, http.StatusForbidden)

	done := make(chan error, 1)
	c.Subscribe(testContext(t), "denied", func([]Message) {}, func(sub *Subscription, err error) {
		assert.Nil(t, sub)
		done <- err
	})
	err := <-done
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
}

func TestCloseStopsListeners(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)

	l, _ := startListener(t, c, "closing")
	require.Eventually(t, func() bool { return srv.Count(spiretest.EndpointPoll) >= 1 }, eventually, tick)

	c.Close()
	c.Close()
	select {
	case <-l.Done():
	case <-time.After(eventually):
		t.Fatal("listener did not stop")
	}
	assert.Nil(t, c.Session())
	assert.Equal(t, ListenerStopped, c.Listen(l.Subscription()).State())
}
