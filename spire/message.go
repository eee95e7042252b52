package spire

import (
	"encoding/json"
	"time"
)

// Message is a single published message. Content holds the raw JSON value the
// publisher sent.
type Message struct {
	Key       string          `json:"key"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Channel   string          `json:"channel,omitempty"`
}

// Text returns the content as a string. Non-string content is returned as its
// JSON encoding.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// Decode unmarshals the content into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Content, v)
}

// Time converts the millisecond timestamp.
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// Events is the result of one poll. TimedOut marks a batch synthesized from a
// poll that ended without data.
type Events struct {
	Messages []Message `json:"messages"`
	TimedOut bool      `json:"-"`
}

func (e Events) Empty() bool {
	return len(e.Messages) == 0
}

func (e Events) outcome() PollOutcome {
	switch {
	case e.TimedOut:
		return PollTimeout
	case e.Empty():
		return PollEmpty
	}
	return PollMessages
}
