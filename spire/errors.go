package spire

import (
	stderrors "errors"

	"github.com/infigaming-com/go-spire/errors"
)

const (
	ErrCodeDiscovery = 20000 + iota
	ErrCodeSessionCreation
	ErrCodeMissingCredential
	ErrCodeSessionEstablished
	ErrCodeResourceCreation
	ErrCodeResourceExists
	ErrCodeResourceNotFound
	ErrCodeMalformedResource
	ErrCodePublish
	ErrCodePollTransport
	ErrCodeListenerStarted
	ErrCodeListenerStopped
	ErrCodeClientClosed
	ErrCodeInvalidOption
)

var (
	// ErrDiscovery: the discovery document could not be fetched or decoded.
	ErrDiscovery = errors.NewError(ErrCodeDiscovery, "discovery failed", nil)

	// ErrSessionCreation: the service rejected or failed the session request.
	ErrSessionCreation = errors.NewError(ErrCodeSessionCreation, "session creation failed", nil)

	// ErrMissingCredential is raised locally, before any network call, when
	// no credential is configured.
	ErrMissingCredential = errors.NewError(ErrCodeMissingCredential, "account key or secret required", nil)

	ErrSessionEstablished = errors.NewError(ErrCodeSessionEstablished, "a session is already established", nil)

	// ErrResourceCreation: a channel or subscription create was rejected for
	// a reason other than a naming conflict.
	ErrResourceCreation = errors.NewError(ErrCodeResourceCreation, "resource creation failed", nil)

	// ErrResourceExists is returned by the plain create calls when the name is
	// taken. The find-or-create calls never return it.
	ErrResourceExists = errors.NewError(ErrCodeResourceExists, "resource already exists", nil)

	ErrResourceNotFound = errors.NewError(ErrCodeResourceNotFound, "resource not found", nil)

	// ErrMalformedResource: a resource lacks the URL or capability needed to
	// address it.
	ErrMalformedResource = errors.NewError(ErrCodeMalformedResource, "malformed resource", nil)

	ErrPublish = errors.NewError(ErrCodePublish, "publish failed", nil)

	// ErrPollTransport is a non-timeout failure of a long-poll request.
	ErrPollTransport = errors.NewError(ErrCodePollTransport, "poll failed", nil)

	ErrListenerStarted = errors.NewError(ErrCodeListenerStarted, "listener already started", nil)
	ErrListenerStopped = errors.NewError(ErrCodeListenerStopped, "listener stopped", nil)
	ErrClientClosed    = errors.NewError(ErrCodeClientClosed, "client closed", nil)
	ErrInvalidOption   = errors.NewError(ErrCodeInvalidOption, "invalid option", nil)
)

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return coded.GetStatusCode()
	}
	return 0
}
