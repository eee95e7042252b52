package spire

import (
	"net/http"
	"testing"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/spire/spiretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorFetchedOnce(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := testContext(t)

	desc, err := c.Descriptor(ctx)
	require.NoError(t, err)
	sessions, ok := desc.Resource("sessions")
	require.True(t, ok)
	assert.Equal(t, srv.URL()+"/sessions", sessions.URL)
	assert.Equal(t, "application/vnd.spire-io.channel+json;version=1.0", desc.MediaType("1.0", "channel"))

	_, err = c.Connect(ctx)
	require.NoError(t, err)
	c.sessions.Reset()
	_, err = c.Connect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Count(spiretest.EndpointDiscovery))
	assert.Equal(t, 2, srv.Count(spiretest.EndpointSessions))
}

func TestDescriptorSharedThroughCache(t *testing.T) {
	srv := newTestServer(t)
	shared := cache.NewDefaultFreeCache()
	ctx := testContext(t)

	_, err := newTestClient(t, srv, WithDescriptorCache(shared)).Connect(ctx)
	require.NoError(t, err)
	_, err = newTestClient(t, srv, WithDescriptorCache(shared)).Connect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Count(spiretest.EndpointDiscovery))
	assert.Equal(t, 2, srv.Count(spiretest.EndpointSessions))
}

func TestDiscoveryFailure(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	srv.FailNext(spiretest.EndpointDiscovery, http.StatusServiceUnavailable)

	_, err := c.Connect(testContext(t))
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Zero(t, srv.Count(spiretest.EndpointSessions))

	_, err = c.Connect(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Count(spiretest.EndpointDiscovery))
}

func TestDescriptorMediaTypeFallback(t *testing.T) {
	desc := &Descriptor{
		Schema: map[string]map[string]SchemaEntry{
			"1.0": {"session": {MediaType: "application/vnd.custom.session+json"}},
		},
	}
	assert.Equal(t, "application/vnd.custom.session+json", desc.MediaType("1.0", "session"))
	assert.Equal(t, "application/vnd.spire-io.events+json;version=1.0", desc.MediaType("1.0", "events"))
	assert.Equal(t, "application/vnd.spire-io.session+json;version=2.0", desc.MediaType("2.0", "session"))

	_, ok := desc.Resource("sessions")
	assert.False(t, ok)
}
