package request

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/infigaming-com/go-spire/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := Request(context.Background(), http.MethodGet, server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestRequestWithQueryParamsFromStruct(t *testing.T) {
	type pollQuery struct {
		Timeout     int    `query:"timeout"`
		LastMessage string `query:"last-message"`
		Ignored     string `query:"-"`
	}

	var (
		mu  sync.Mutex
		got []map[string][]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.URL.Query())
		mu.Unlock()
	}))
	defer server.Close()

	_, err := Get(context.Background(), server.URL, WithQueryParamsFromStruct(pollQuery{Timeout: 30}))
	require.NoError(t, err)
	_, err = Get(context.Background(), server.URL, WithQueryParamsFromStruct(&pollQuery{Timeout: 5, LastMessage: "m-2", Ignored: "x"}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"30"}, got[0]["timeout"])
	assert.NotContains(t, got[0], "last-message")
	assert.Equal(t, []string{"5"}, got[1]["timeout"])
	assert.Equal(t, []string{"m-2"}, got[1]["last-message"])
	assert.NotContains(t, got[1], "Ignored")
}

func TestPostJsonWithHeaders(t *testing.T) {
	var (
		mu            sync.Mutex
		contentType   string
		authorization string
		body          map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		contentType = r.Header.Get("Content-Type")
		authorization = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	resp, err := PostJson(context.Background(), server.URL, map[string]string{"name": "c1"},
		WithRequestHeaders(map[string]string{
			"Content-Type":  "application/vnd.spire-io.channel+json;version=1.0",
			"Authorization": "Capability abc",
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/vnd.spire-io.channel+json;version=1.0", contentType)
	assert.Equal(t, "Capability abc", authorization)
	assert.Equal(t, "c1", body["name"])
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := Get(context.Background(), server.URL, WithRequestTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestRequestCallerCancellationIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Get(ctx, server.URL, WithRequestTimeout(5*time.Second))
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestCorrelationIdAndRecorder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Get("X-Correlation-ID")
		mu.Unlock()
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	var records []*RequestRecordData
	ctx := util.CorrelationIdToCtx(context.Background(), "corr-1")
	resp, err := Get(ctx, server.URL,
		WithLogger(zap.NewNop()),
		WithDebugEnabled(true),
		WithRequestHeaders(map[string]string{"Authorization": "Capability secret"}),
		WithRequestRecorder(func(r *RequestRecordData) { records = append(records, r) }),
	)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, "corr-1", seen)
	mu.Unlock()

	require.Len(t, records, 1)
	assert.Equal(t, http.MethodGet, records[0].Method)
	assert.Equal(t, http.StatusTeapot, records[0].HttpStatusCode)
	assert.NotContains(t, records[0].RequestHeaders, "secret")
}

func TestWithSlowRequestThresholdRejectsNonPositive(t *testing.T) {
	_, err := Get(context.Background(), "http://127.0.0.1:0", WithSlowRequestThreshold(0))
	assert.ErrorIs(t, err, ErrInvalidSlowRequestThreshold)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(ErrTimeout))
	assert.False(t, isRetryableError(io.ErrUnexpectedEOF))
	assert.True(t, isRetryableError(stringError("dial tcp 127.0.0.1:1: connect: connection refused")))
}

type stringError string

func (e stringError) Error() string { return string(e) }

func TestWithRetryGivesUpOnRefusedConnection(t *testing.T) {
	var records int
	_, err := Get(context.Background(), "http://127.0.0.1:1",
		WithRetry(1),
		WithRequestRecorder(func(*RequestRecordData) { records++ }),
	)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 1, records)
}
