package metrics

import (
	"context"
	"fmt"

	"github.com/infigaming-com/go-spire/spire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SessionsMetric         = "spire.sessions"
	PublishesMetric        = "spire.publishes"
	PollsMetric            = "spire.polls"
	MessagesMetric         = "spire.messages.delivered"
	ListenerFailuresMetric = "spire.listener.failures"
)

var (
	resultOK     = metric.WithAttributes(attribute.String("result", "ok"))
	resultFailed = metric.WithAttributes(attribute.String("result", "failed"))
)

// Recorder counts engine activity. Its Hooks are passed to spire.WithHooks.
type Recorder struct {
	sessions         metric.Int64Counter
	publishes        metric.Int64Counter
	polls            metric.Int64Counter
	messages         metric.Int64Counter
	listenerFailures metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&r.sessions, SessionsMetric, "Session creation attempts"},
		{&r.publishes, PublishesMetric, "Messages published"},
		{&r.polls, PollsMetric, "Completed long-polls by outcome"},
		{&r.messages, MessagesMetric, "Messages received by polls"},
		{&r.listenerFailures, ListenerFailuresMetric, "Listener callbacks that failed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	return &r, nil
}

func (r *Recorder) Hooks() spire.Hooks {
	return spire.Hooks{
		OnSessionCreated: func(ctx context.Context, _ string) {
			r.sessions.Add(ctx, 1, resultOK)
		},
		OnSessionFailed: func(ctx context.Context, _ error) {
			r.sessions.Add(ctx, 1, resultFailed)
		},
		OnPublish: func(ctx context.Context, _, _ string) {
			r.publishes.Add(ctx, 1, resultOK)
		},
		OnPublishFail: func(ctx context.Context, _ string, _ error) {
			r.publishes.Add(ctx, 1, resultFailed)
		},
		OnPoll: func(ctx context.Context, _ string, outcome spire.PollOutcome, n int) {
			r.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
			if n > 0 {
				r.messages.Add(ctx, int64(n))
			}
		},
		OnListenerError: func(ctx context.Context, _ string, _ error) {
			r.listenerFailures.Add(ctx, 1)
		},
	}
}
