package spiretest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/infigaming-com/go-spire/util"
)

type ref struct {
	URL        string `json:"url"`
	Capability string `json:"capability,omitempty"`
}

type account struct {
	ID         string `json:"-"`
	URL        string `json:"url"`
	Capability string `json:"capability"`
	Email      string `json:"email,omitempty"`
	Secret     string `json:"secret,omitempty"`
	Password   string `json:"-"`
}

type session struct {
	URL        string `json:"url"`
	Capability string `json:"capability"`
	Resources  struct {
		Channels      ref      `json:"channels"`
		Subscriptions ref      `json:"subscriptions"`
		Account       *account `json:"account,omitempty"`
	} `json:"resources"`
}

type channel struct {
	ID         string `json:"-"`
	URL        string `json:"url"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Resources  struct {
		Subscriptions ref `json:"subscriptions"`
	} `json:"resources"`
}

type subscription struct {
	ID         string   `json:"-"`
	URL        string   `json:"url"`
	Name       string   `json:"name,omitempty"`
	Capability string   `json:"capability"`
	Channels   []string `json:"channels"`
	Events     []string `json:"events"`

	// start is the sequence number the subscription was created at. Polls
	// without a cursor return messages after it.
	start uint64
}

type message struct {
	Key       string          `json:"key"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Channel   string          `json:"channel"`
	seq       uint64
}

// store is the service state. All access holds mu; changed is closed and
// replaced whenever a message is published.
type store struct {
	mu            sync.Mutex
	seq           uint64
	accounts      map[string]*account // by email
	secrets       map[string]*account
	capabilities  map[string]bool // session capabilities
	channels      map[string]*channel
	channelsByID  map[string]*channel
	subscriptions map[string]*subscription // by id
	named         map[string]*subscription
	messages      []*message
	keys          map[string]uint64
	changed       chan struct{}
}

func newStore() *store {
	return &store{
		accounts:      map[string]*account{},
		secrets:       map[string]*account{},
		capabilities:  map[string]bool{},
		channels:      map[string]*channel{},
		channelsByID:  map[string]*channel{},
		subscriptions: map[string]*subscription{},
		named:         map[string]*subscription{},
		keys:          map[string]uint64{},
		changed:       make(chan struct{}),
	}
}

// newID returns time-ordered ids, so message keys sort in publish order.
func newID() string {
	return util.NewUUID()
}

func (st *store) newSession(base string, acct *account) *session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := &session{
		URL:        base + "/sessions/" + newID(),
		Capability: newID(),
	}
	st.capabilities[s.Capability] = true
	s.Resources.Channels = ref{URL: base + "/channels", Capability: s.Capability}
	s.Resources.Subscriptions = ref{URL: base + "/subscriptions", Capability: s.Capability}
	s.Resources.Account = acct
	return s
}

func (st *store) publish(ch *channel, content json.RawMessage) *message {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	m := &message{
		Key:       newID(),
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Channel:   ch.URL,
		seq:       st.seq,
	}
	st.messages = append(st.messages, m)
	st.keys[m.Key] = m.seq
	close(st.changed)
	st.changed = make(chan struct{})
	return m
}

// pending returns the messages a subscription has not seen after cursor, and
// a channel closed on the next publish.
func (st *store) pending(sub *subscription, cursor string) ([]message, <-chan struct{}, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	after := sub.start
	if cursor != "" {
		seq, ok := st.keys[cursor]
		if !ok {
			return nil, nil, false
		}
		after = seq
	}
	var out []message
	for _, m := range st.messages {
		if m.seq <= after {
			continue
		}
		for _, url := range sub.Channels {
			if url == m.Channel {
				out = append(out, *m)
				break
			}
		}
	}
	return out, st.changed, true
}
