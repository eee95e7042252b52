package spire

import (
	"net/http"
	"time"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/request"
	"go.uber.org/zap"
)

// Client defaults, used when the matching option is not given.
const (
	// DefaultURL is the public service root.
	DefaultURL = "http://api.spire.io"
	// DefaultAPIVersion selects media types from the discovery schema.
	DefaultAPIVersion = "1.0"
	// DefaultPollTimeout is the long-poll window sent to the service.
	DefaultPollTimeout = 30 * time.Second
	// DefaultPollGrace is how long a poll request may outlive its window.
	DefaultPollGrace = 10 * time.Second
	// DefaultRequestTimeout bounds every call that is not a poll.
	DefaultRequestTimeout = 10 * time.Second

	minPollTimeout = time.Second
)

// Option configures a Client.
type Option func(*options)

// PollOption adjusts a single poll or a listener's polls.
type PollOption func(*pollOptions)

// PollErrorPolicy decides what a listener does after a non-timeout poll
// failure.
type PollErrorPolicy int

const (
	// PollErrorPause parks the listener in Listening until Resume or Stop.
	PollErrorPause PollErrorPolicy = iota
	// PollErrorRetry polls again after an exponential backoff.
	PollErrorRetry
)

func (p PollErrorPolicy) String() string {
	switch p {
	case PollErrorPause:
		return "pause"
	case PollErrorRetry:
		return "retry"
	}
	return "unknown"
}

type options struct {
	url             string
	apiVersion      string
	pollTimeout     time.Duration
	pollGrace       time.Duration
	requestTimeout  time.Duration
	key             string
	secret          string
	logger          *zap.Logger
	hooks           Hooks
	httpClient      *http.Client
	debug           bool
	recorder        request.RequestRecorder
	descriptorCache cache.Cache
	cursorStore     cache.Cache
	pollErrorPolicy PollErrorPolicy
	retryPolicy     RetryPolicy
}

type pollOptions struct {
	timeout time.Duration
}

// RetryPolicy shapes the backoff used by PollErrorRetry. MaxAttempts of zero
// retries forever.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func defaultOptions() options {
	return options{
		url:            DefaultURL,
		apiVersion:     DefaultAPIVersion,
		pollTimeout:    DefaultPollTimeout,
		pollGrace:      DefaultPollGrace,
		requestTimeout: DefaultRequestTimeout,
		retryPolicy: RetryPolicy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
	}
}

func WithURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.url = url
		}
	}
}

func WithAPIVersion(version string) Option {
	return func(o *options) {
		if version != "" {
			o.apiVersion = version
		}
	}
}

// WithTimeout sets the default long-poll window sent to the service.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithPollGrace sets how long past the poll window the HTTP request may run
// before it is reported as a timeout.
func WithPollGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pollGrace = d
		}
	}
}

// WithRequestTimeout bounds every non-poll call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

func WithKey(key string) Option {
	return func(o *options) {
		o.key = key
	}
}

// WithSecret configures an account secret. It takes precedence over the key.
func WithSecret(secret string) Option {
	return func(o *options) {
		o.secret = secret
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		o.logger = lg
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithDebug logs every request and response at debug level.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

func WithRequestRecorder(recorder request.RequestRecorder) Option {
	return func(o *options) {
		o.recorder = recorder
	}
}

// WithDescriptorCache stores the discovery document in c. Defaults to an
// in-process freecache.
func WithDescriptorCache(c cache.Cache) Option {
	return func(o *options) {
		o.descriptorCache = c
	}
}

// WithCursorStore checkpoints subscription cursors in c, keyed by
// subscription URL, so a resolved subscription resumes where it left off.
func WithCursorStore(c cache.Cache) Option {
	return func(o *options) {
		o.cursorStore = c
	}
}

func WithPollErrorPolicy(policy PollErrorPolicy) Option {
	return func(o *options) {
		o.pollErrorPolicy = policy
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy.normalized()
	}
}

// WithPollTimeout overrides the long-poll window. Windows under a second are
// raised to one second.
func WithPollTimeout(d time.Duration) PollOption {
	return func(o *pollOptions) {
		if d > 0 {
			o.timeout = max(d, minPollTimeout)
		}
	}
}

func (o options) pollOptions(opts []PollOption) pollOptions {
	po := pollOptions{timeout: o.pollTimeout}
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 1 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.MaxAttempts < 0 {
		r.MaxAttempts = 0
	}
	return r
}
