package spire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/infigaming-com/go-spire/spire/spiretest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	eventually = 5 * time.Second
	tick       = 10 * time.Millisecond
)

func newTestServer(t *testing.T, opts ...spiretest.Option) *spiretest.Server {
	t.Helper()
	srv := spiretest.NewServer(append([]spiretest.Option{spiretest.WithMaxHold(100 * time.Millisecond)}, opts...)...)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *spiretest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithURL(srv.URL()),
		WithKey(srv.Key()),
		WithLogger(zap.NewNop()),
		WithTimeout(time.Second),
		WithPollGrace(2 * time.Second),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collector gathers message texts delivered to listener callbacks.
type collector struct {
	mu    sync.Mutex
	texts []string
	errs  []error
}

func (c *collector) onMessage(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, ev.Message.Text())
	return nil
}

func (c *collector) onError(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, ev.Err)
	return nil
}

func (c *collector) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *collector) Errors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}
