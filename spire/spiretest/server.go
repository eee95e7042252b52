// Package spiretest runs an in-memory spire service for tests and local
// development.
package spiretest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-spire/web/middleware"
	"go.uber.org/zap"
)

// Endpoint names used by Count and FailNext.
const (
	EndpointDiscovery            = "discovery"
	EndpointSessions             = "sessions"
	EndpointAccounts             = "accounts"
	EndpointChannelCreate        = "channels.create"
	EndpointChannelLookup        = "channels.lookup"
	EndpointChannelSubscriptions = "channel.subscriptions"
	EndpointPublish              = "publish"
	EndpointSubscriptionCreate   = "subscriptions.create"
	EndpointSubscriptionLookup   = "subscriptions.lookup"
	EndpointPoll                 = "poll"
)

const DefaultKey = "test-key"

type Option func(*Server)

// WithKey sets the API key sessions may be created with.
func WithKey(key string) Option {
	return func(s *Server) {
		s.key = key
	}
}

// WithMaxHold caps how long a poll is held open, whatever timeout the client
// asks for.
func WithMaxHold(d time.Duration) Option {
	return func(s *Server) {
		s.maxHold = d
	}
}

func WithAPIVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(s *Server) {
		s.lg = lg
	}
}

func WithDebug(debug bool) Option {
	return func(s *Server) {
		s.debug = debug
	}
}

// Server is a fake spire service. Resource URLs are built from the Host the
// request arrived on, so the same handler serves httptest and real listeners.
type Server struct {
	key     string
	version string
	maxHold time.Duration
	lg      *zap.Logger
	debug   bool
	store   *store
	engine  *gin.Engine
	ts      *httptest.Server

	mu          sync.Mutex
	counts      map[string]int
	pollQueries []url.Values
	failures    map[string][]int
	hold        chan struct{}
	waiting     int
	hang        bool
}

// New builds a server without starting a listener. Use Handler to serve it.
func New(opts ...Option) *Server {
	s := &Server{
		key:      DefaultKey,
		version:  "1.0",
		lg:       zap.NewNop(),
		store:    newStore(),
		counts:   map[string]int{},
		failures: map[string][]int{},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.TestMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CorrelationIdMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(
		middleware.WithLogger(s.lg),
		middleware.WithDebugEnabled(s.debug),
	))
	s.routes()
	return s
}

// NewServer starts a server on a local httptest listener.
func NewServer(opts ...Option) *Server {
	s := New(opts...)
	s.ts = httptest.NewServer(s.engine)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// URL is the service root of a server started with NewServer.
func (s *Server) URL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL
}

func (s *Server) Key() string {
	return s.key
}

func (s *Server) Close() {
	s.Release()
	if s.ts != nil {
		s.ts.CloseClientConnections()
		s.ts.Close()
	}
}

// Count returns how many requests reached an endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[endpoint]
}

// PollQueries returns the query of every poll, in arrival order.
func (s *Server) PollQueries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.pollQueries))
	copy(out, s.pollQueries)
	return out
}

// FailNext makes the next request to endpoint fail with status.
func (s *Server) FailNext(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], status)
}

// HoldSessions makes session requests wait until Release.
func (s *Server) HoldSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

// Release lets held session requests through.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Waiting returns how many session requests are being held.
func (s *Server) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// HangPolls makes polls block until the client gives up.
func (s *Server) HangPolls(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = hang
}

func (s *Server) hit(endpoint string) (status int, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[endpoint]++
	queue := s.failures[endpoint]
	if len(queue) == 0 {
		return 0, false
	}
	s.failures[endpoint] = queue[1:]
	return queue[0], true
}

func (s *Server) sessionGate() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		s.waiting++
	}
	return s.hold
}

func (s *Server) leaveGate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting--
}

func (s *Server) hanging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hang
}

func (s *Server) recordPoll(q url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollQueries = append(s.pollQueries, q)
}
