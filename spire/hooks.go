package spire

import "context"

// PollOutcome classifies a completed poll.
type PollOutcome string

const (
	PollMessages PollOutcome = "messages"
	PollEmpty    PollOutcome = "empty"
	PollTimeout  PollOutcome = "timeout"
	PollError    PollOutcome = "error"
)

// Hooks observe the engine. Every hook is optional and is called
// synchronously, so it must not block.
type Hooks struct {
	OnSessionCreated func(ctx context.Context, sessionURL string)
	OnSessionFailed  func(ctx context.Context, err error)
	OnPublish        func(ctx context.Context, channel string, key string)
	OnPublishFail    func(ctx context.Context, channel string, err error)
	OnPoll           func(ctx context.Context, subscription string, outcome PollOutcome, messages int)
	OnListenerError  func(ctx context.Context, subscription string, err error)
}

func (h Hooks) sessionCreated(ctx context.Context, url string) {
	if h.OnSessionCreated != nil {
		h.OnSessionCreated(ctx, url)
	}
}

func (h Hooks) sessionFailed(ctx context.Context, err error) {
	if h.OnSessionFailed != nil {
		h.OnSessionFailed(ctx, err)
	}
}

func (h Hooks) published(ctx context.Context, channel, key string) {
	if h.OnPublish != nil {
		h.OnPublish(ctx, channel, key)
	}
}

func (h Hooks) publishFailed(ctx context.Context, channel string, err error) {
	if h.OnPublishFail != nil {
		h.OnPublishFail(ctx, channel, err)
	}
}

func (h Hooks) polled(ctx context.Context, subscription string, outcome PollOutcome, n int) {
	if h.OnPoll != nil {
		h.OnPoll(ctx, subscription, outcome, n)
	}
}

func (h Hooks) listenerFailed(ctx context.Context, subscription string, err error) {
	if h.OnListenerError != nil {
		h.OnListenerError(ctx, subscription, err)
	}
}
