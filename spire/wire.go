package spire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/infigaming-com/go-spire/errors"
	"github.com/infigaming-com/go-spire/request"
	"go.uber.org/zap"
)

const maxErrorBody = 256

// call describes one request to the service.
type call struct {
	method        string
	url           string
	authorization string
	contentType   string
	accept        string
	body          any
	query         any
	timeout       time.Duration
	// retries re-sends idempotent calls after connection failures.
	retries int
	// failure is the sentinel non-2xx responses and transport errors are
	// wrapped in.
	failure *errors.Error
}

// wire sends calls through the request package with the client's transport
// settings.
type wire struct {
	lg             *zap.Logger
	httpClient     *http.Client
	debug          bool
	recorder       request.RequestRecorder
	requestTimeout time.Duration
}

func newWire(o options) *wire {
	return &wire{
		lg:             o.logger,
		httpClient:     o.httpClient,
		debug:          o.debug,
		recorder:       o.recorder,
		requestTimeout: o.requestTimeout,
	}
}

// do sends c and decodes a 2xx body into out when out is non-nil. Request
// timeouts are returned so that request.IsTimeout still matches.
func (w *wire) do(ctx context.Context, c call, out any) (*request.Response, error) {
	headers := map[string]string{}
	if c.authorization != "" {
		headers["Authorization"] = c.authorization
	}
	if c.accept != "" {
		headers["Accept"] = c.accept
	}
	if c.contentType != "" {
		headers["Content-Type"] = c.contentType
	}

	timeout := c.timeout
	if timeout <= 0 {
		timeout = w.requestTimeout
	}
	opts := []request.Option{
		request.WithLogger(w.lg),
		request.WithDebugEnabled(w.debug),
		request.WithRequestTimeout(timeout),
		request.WithSlowRequestThreshold(timeout),
		request.WithRequestHeaders(headers),
	}
	if w.httpClient != nil {
		opts = append(opts, request.WithHttpClient(w.httpClient))
	}
	if w.recorder != nil {
		opts = append(opts, request.WithRequestRecorder(w.recorder))
	}
	if c.retries > 0 {
		opts = append(opts, request.WithRetry(c.retries))
	}
	if c.query != nil {
		opts = append(opts, request.WithQueryParamsFromStruct(c.query))
	}
	if c.body != nil {
		opts = append(opts, request.WithRequestBodyFromJson(c.body))
	}

	resp, err := request.Request(ctx, c.method, c.url, opts...)
	if err != nil {
		if ctx.Err() != nil && !request.IsTimeout(err) {
			return nil, err
		}
		return nil, errors.Wrap(c.failure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, errors.Wrap(c.failure, fmt.Errorf("%s %s: %s", c.method, c.url, snippet(resp.Body))).
			WithStatusCode(resp.StatusCode)
	}

	if out == nil || len(resp.Body) == 0 {
		return resp, nil
	}
	if err := checkContentType(resp.Header.Get("Content-Type"), c.accept); err != nil {
		return resp, errors.Wrap(c.failure, err).WithStatusCode(resp.StatusCode)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp, errors.Wrap(c.failure, fmt.Errorf("decode %s: %w", c.url, err)).WithStatusCode(resp.StatusCode)
	}
	return resp, nil
}

// checkContentType accepts the media type asked for or any JSON media type.
// A missing header is tolerated.
func checkContentType(header, expected string) error {
	if header == "" {
		return nil
	}
	got := contenttype.NewMediaType(header)
	if got.Type == "" {
		return fmt.Errorf("invalid content type %q", header)
	}
	if expected != "" {
		want := contenttype.NewMediaType(expected)
		if got.Type == want.Type && got.Subtype == want.Subtype {
			return nil
		}
	}
	if got.Subtype == "json" || strings.HasSuffix(got.Subtype, "+json") {
		return nil
	}
	return fmt.Errorf("unexpected content type %q", header)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
