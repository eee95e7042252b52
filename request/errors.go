package request

import "github.com/infigaming-com/go-spire/errors"

const (
	ErrCodeInvalidRequestBody = 10000 + iota
	ErrCodeInvalidSlowRequestThreshold
	ErrCodeFailedToCreateRequest
	ErrCodeRequestTimeout
	ErrCodeFailedToSendRequest
	ErrCodeFailedToReadResponseBody
)

var (
	ErrFailedToMarshalRequestBody  = errors.NewError(ErrCodeInvalidRequestBody, "failed to marshal request body", nil)
	ErrInvalidSlowRequestThreshold = errors.NewError(ErrCodeInvalidSlowRequestThreshold, "invalid slow request threshold", nil)
	ErrFailedToCreateRequest       = errors.NewError(ErrCodeFailedToCreateRequest, "failed to create request", nil)
	// ErrTimeout reports that the per-request timeout elapsed before a
	// response arrived. Cancellation of the caller's context is not a timeout.
	ErrTimeout                   = errors.NewError(ErrCodeRequestTimeout, "request timeout", nil)
	ErrFailedToSendRequest       = errors.NewError(ErrCodeFailedToSendRequest, "failed to send request", nil)
	ErrFailedToReadResponseBody  = errors.NewError(ErrCodeFailedToReadResponseBody, "failed to read response body", nil)
)
