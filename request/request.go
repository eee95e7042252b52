package request

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"maps"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/infigaming-com/go-spire/errors"
	"github.com/infigaming-com/go-spire/util"
	"go.uber.org/zap"
)

var (
	defaultHttpClient *http.Client
	once              sync.Once
)

// Response is the raw result of a completed HTTP exchange. Non-2xx status
// codes are not errors at this layer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type requestOption struct {
	lg                   *zap.Logger
	httpClient           *http.Client
	debugEnabled         bool
	queryParams          *map[string]string
	requestHeaders       *map[string]string
	requestBody          *[]byte
	recorder             RequestRecorder
	correlationIdKey     string
	correlationId        string
	requestTimeout       time.Duration
	slowRequestThreshold time.Duration
	maxRetries           int
}

type Option interface {
	apply(option *requestOption) error
}

type optionFunc func(option *requestOption) error

func (f optionFunc) apply(option *requestOption) error {
	return f(option)
}

func defaultRequestOption() *requestOption {
	queryParams := make(map[string]string)
	requestHeaders := make(map[string]string)
	return &requestOption{
		lg:                   zap.L(),
		debugEnabled:         false,
		queryParams:          &queryParams,
		requestHeaders:       &requestHeaders,
		requestBody:          nil,
		recorder:             nil,
		correlationIdKey:     "X-Correlation-ID",
		correlationId:        "",
		requestTimeout:       10 * time.Second,
		slowRequestThreshold: 5 * time.Second,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return optionFunc(func(option *requestOption) error {
		if lg != nil {
			option.lg = lg
		}
		return nil
	})
}

// WithHttpClient overrides the shared default client, e.g. to point at a
// test server or to install a custom transport.
func WithHttpClient(client *http.Client) Option {
	return optionFunc(func(option *requestOption) error {
		option.httpClient = client
		return nil
	})
}

func WithDebugEnabled(debugEnabled bool) Option {
	return optionFunc(func(option *requestOption) error {
		option.debugEnabled = debugEnabled
		return nil
	})
}

func WithQueryParams(queryParams map[string]string) Option {
	return optionFunc(func(option *requestOption) error {
		if option.queryParams == nil {
			option.queryParams = &map[string]string{}
		}
		maps.Copy(*option.queryParams, queryParams)
		return nil
	})
}

// WithQueryParamsFromStruct adds the "query"-tagged, non-zero fields of v as
// query parameters.
func WithQueryParamsFromStruct(v any) Option {
	return optionFunc(func(option *requestOption) error {
		queryParams, err := queryParamsFrom(v)
		if err != nil {
			return errors.Wrap(ErrFailedToCreateRequest, err)
		}
		if option.queryParams == nil {
			option.queryParams = &map[string]string{}
		}
		maps.Copy(*option.queryParams, queryParams)
		return nil
	})
}

func WithRequestHeaders(requestHeaders map[string]string) Option {
	return optionFunc(func(option *requestOption) error {
		if option.requestHeaders == nil {
			option.requestHeaders = &map[string]string{}
		}
		maps.Copy(*option.requestHeaders, requestHeaders)
		return nil
	})
}

func WithCorrelationId(correlationIdKey, correlationId string) Option {
	return optionFunc(func(option *requestOption) error {
		option.correlationIdKey = correlationIdKey
		option.correlationId = correlationId
		return nil
	})
}

func WithRequestBody(requestBody []byte) Option {
	return optionFunc(func(option *requestOption) error {
		option.requestBody = &requestBody
		return nil
	})
}

func WithRequestBodyFromJson(requestBody any) Option {
	return optionFunc(func(option *requestOption) error {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			option.lg.Error("[HTTP-REQUEST-ERROR: failed to marshal request body]",
				zap.Error(err),
				zap.Any("requestBody", requestBody),
			)
			return errors.Wrap(ErrFailedToMarshalRequestBody, err)
		}
		option.requestBody = &jsonBody
		return nil
	})
}

func WithRequestRecorder(requestRecord RequestRecorder) Option {
	return optionFunc(func(option *requestOption) error {
		option.recorder = requestRecord
		return nil
	})
}

func WithRequestTimeout(requestTimeout time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if requestTimeout > 0 {
			option.requestTimeout = requestTimeout
		}
		return nil
	})
}

func WithSlowRequestThreshold(slowRequestThreshold time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if slowRequestThreshold <= 0 {
			option.lg.Error("[HTTP-REQUEST-ERROR: invalid slow request threshold]",
				zap.Duration("slowRequestThreshold", slowRequestThreshold),
			)
			return ErrInvalidSlowRequestThreshold
		}
		option.slowRequestThreshold = slowRequestThreshold
		return nil
	})
}

// WithRetry enables retry with specified max attempts.
// Default is 0 (no retry). If maxRetries > 0, the request will be retried
// up to maxRetries times on transient connection errors. Timeouts are never
// retried here: a long-poll timeout is an expected outcome.
func WithRetry(maxRetries int) Option {
	return optionFunc(func(option *requestOption) error {
		if maxRetries < 0 {
			maxRetries = 0
		}
		option.maxRetries = maxRetries
		return nil
	})
}

func getHttpClient(option *requestOption) *http.Client {
	if option.httpClient != nil {
		return option.httpClient
	}
	once.Do(func() {
		defaultHttpClient = &http.Client{
			Timeout: 0,
		}
	})
	return defaultHttpClient
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return stderrors.Is(err, ErrTimeout)
}

// isRetryableError checks if the error is a transient error that can be retried
func isRetryableError(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable")
}

func Request(ctx context.Context, method string, requestUrl string, options ...Option) (resp *Response, err error) {
	start := time.Now()

	option := defaultRequestOption()
	for _, opt := range options {
		if err := opt.apply(option); err != nil {
			return nil, err
		}
	}

	defer func() {
		var httpStatusCode int
		var responseBody []byte
		if resp != nil {
			httpStatusCode = resp.StatusCode
			responseBody = resp.Body
		}

		if option.recorder != nil {
			var queryParams, requestHeaders []byte
			if option.queryParams != nil {
				queryParams, _ = json.Marshal(*option.queryParams)
			}
			requestHeaders, _ = json.Marshal(loggableHeaders(option.requestHeaders))
			errorStr := ""
			if err != nil {
				errorStr = err.Error()
			}
			option.recorder(&RequestRecordData{
				Method:         method,
				Url:            requestUrl,
				QueryParams:    string(queryParams),
				RequestHeaders: string(requestHeaders),
				RequestBody:    string(bodyOf(option)),
				HttpStatusCode: httpStatusCode,
				ResponseBody:   string(responseBody),
				Error:          errorStr,
				Duration:       time.Since(start).Milliseconds(),
			})
		}

		// timeouts are routine for long polls and are reported by the caller
		if err != nil && !IsTimeout(err) {
			option.lg.Error("[HTTP-REQUEST-ERROR]",
				zap.Error(err),
				zap.String("method", method),
				zap.String("url", requestUrl),
				zap.Any("queryParams", option.queryParams),
				zap.Any("requestHeaders", loggableHeaders(option.requestHeaders)),
				zap.ByteString("requestBody", bodyOf(option)),
				zap.Int("httpStatusCode", httpStatusCode),
				zap.ByteString("responseBody", responseBody),
				zap.Duration("duration", time.Since(start)),
			)
			return
		}

		if option.debugEnabled {
			option.lg.Debug("[HTTP-REQUEST-DEBUG]",
				zap.String("method", method),
				zap.String("url", requestUrl),
				zap.Any("queryParams", option.queryParams),
				zap.Any("requestHeaders", loggableHeaders(option.requestHeaders)),
				zap.ByteString("requestBody", bodyOf(option)),
				zap.Int("httpStatusCode", httpStatusCode),
				zap.ByteString("responseBody", responseBody),
				zap.Bool("timeout", IsTimeout(err)),
				zap.Duration("duration", time.Since(start)),
			)
		}
	}()

	// Retry loop: attempt = 1 is the initial attempt, subsequent attempts are retries
	maxAttempts := option.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Backoff before retry (not on first attempt)
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * time.Second
			option.lg.Info("[HTTP-REQUEST-RETRY]",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", maxAttempts),
				zap.Duration("backoff", backoff),
				zap.String("method", method),
				zap.String("url", requestUrl),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err = doRequest(ctx, method, requestUrl, option)
		if err == nil {
			return resp, nil
		}

		// Check if error is retryable and we have more attempts
		if !isRetryableError(err) || attempt == maxAttempts {
			return resp, err
		}

		lastErr = err
		option.lg.Warn("[HTTP-REQUEST-RETRYABLE-ERROR]",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.String("method", method),
			zap.String("url", requestUrl),
		)
	}

	return nil, errors.Wrap(ErrFailedToSendRequest, lastErr)
}

// doRequest performs a single HTTP request attempt
func doRequest(ctx context.Context, method string, requestUrl string, option *requestOption) (*Response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, option.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if option.requestBody != nil {
		bodyReader = bytes.NewReader(*option.requestBody)
	}
	req, err := http.NewRequestWithContext(timeoutCtx, method, requestUrl, bodyReader)
	if err != nil {
		return nil, errors.Wrap(ErrFailedToCreateRequest, err)
	}

	query := req.URL.Query()
	if option.queryParams != nil {
		for k, v := range *option.queryParams {
			query.Add(k, v)
		}
	}
	req.URL.RawQuery = query.Encode()

	if option.correlationIdKey != "" && option.correlationId != "" {
		req.Header.Add(option.correlationIdKey, option.correlationId)
	} else if option.correlationIdKey != "" {
		if correlationId, correlationIdErr := util.CorrelationIdFromCtx(ctx); correlationIdErr == nil {
			req.Header.Add(option.correlationIdKey, correlationId)
		} else {
			req.Header.Add(option.correlationIdKey, util.NewUUID())
		}
	}

	if option.requestHeaders != nil {
		for k, v := range *option.requestHeaders {
			req.Header.Set(k, v)
		}
	}

	requestStart := time.Now()
	httpResp, err := getHttpClient(option).Do(req)
	if err != nil {
		if isTimeout(ctx, timeoutCtx, err) {
			return nil, errors.Wrap(ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(ErrFailedToSendRequest, err)
	}
	defer httpResp.Body.Close()

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if isTimeout(ctx, timeoutCtx, err) {
			return nil, errors.Wrap(ErrTimeout, err)
		}
		return nil, errors.Wrap(ErrFailedToReadResponseBody, err).WithStatusCode(httpResp.StatusCode)
	}
	requestDuration := time.Since(requestStart)

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       responseBody,
	}

	if requestDuration > option.slowRequestThreshold {
		option.lg.Warn("[HTTP-REQUEST-SLOW]",
			zap.String("method", method),
			zap.String("url", requestUrl),
			zap.Any("queryParams", option.queryParams),
			zap.Int("httpStatusCode", resp.StatusCode),
			zap.Duration("duration", requestDuration),
		)
	}

	return resp, nil
}

// isTimeout separates the per-request deadline from cancellation of the
// caller's own context.
func isTimeout(parent, timeoutCtx context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if stderrors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func bodyOf(option *requestOption) []byte {
	if option.requestBody != nil {
		return *option.requestBody
	}
	return nil
}

func loggableHeaders(headers *map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(*headers))
	for k, v := range *headers {
		if strings.EqualFold(k, "Authorization") {
			v = "[REDACTED]"
		}
		out[k] = v
	}
	return out
}

func Get(ctx context.Context, requestUrl string, options ...Option) (*Response, error) {
	return Request(ctx, http.MethodGet, requestUrl, options...)
}

func Post(ctx context.Context, requestUrl string, requestBody []byte, options ...Option) (*Response, error) {
	defaultHeader := map[string]string{"Content-Type": "application/json"}
	options = append([]Option{WithRequestHeaders(defaultHeader)}, options...)
	options = append(options, WithRequestBody(requestBody))
	return Request(ctx, http.MethodPost, requestUrl, options...)
}

func PostJson(ctx context.Context, requestUrl string, v any, options ...Option) (*Response, error) {
	defaultHeader := map[string]string{"Content-Type": "application/json"}
	options = append([]Option{WithRequestHeaders(defaultHeader)}, options...)
	options = append(options, WithRequestBodyFromJson(v))
	return Request(ctx, http.MethodPost, requestUrl, options...)
}
