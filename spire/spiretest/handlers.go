package spiretest

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

const defaultPollTimeout = 30 * time.Second

var mediaTypeNames = []string{
	"account", "session", "channel", "channels", "subscription", "subscriptions", "message", "events",
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/", s.discovery)
	r.POST("/sessions", s.createSession)
	r.POST("/accounts", s.register)
	r.POST("/channels", s.createChannel)
	r.GET("/channels", s.lookupChannels)
	r.POST("/channels/:id", s.publish)
	r.GET("/channels/:id/subscriptions", s.channelSubscriptions)
	r.POST("/channels/:id/subscriptions", s.createSubscription)
	r.POST("/subscriptions", s.createSubscription)
	r.GET("/subscriptions", s.lookupSubscriptions)
	r.GET("/subscriptions/:id", s.poll)
}

func (s *Server) mediaType(name string) string {
	return "application/vnd.spire-io." + name + "+json;version=" + s.version
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func (s *Server) respond(c *gin.Context, status int, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, s.mediaType(name), data)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// enter counts the request and applies any injected failure. It reports
// whether the handler should continue.
func (s *Server) enter(c *gin.Context, endpoint string) bool {
	if status, injected := s.hit(endpoint); injected {
		fail(c, status, "injected failure")
		return false
	}
	return true
}

// requireMediaType checks the request Content-Type against a schema entry.
func requireMediaType(c *gin.Context, name string) bool {
	mt, err := contenttype.GetMediaType(c.Request)
	if err != nil || mt.Type != "application" || mt.Subtype != "vnd.spire-io."+name+"+json" {
		fail(c, http.StatusUnsupportedMediaType, "expected "+name+" media type")
		return false
	}
	return true
}

func capability(c *gin.Context) string {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Capability ")
	if !ok {
		return ""
	}
	return token
}

func (s *Server) requireSession(c *gin.Context) bool {
	token := capability(c)
	s.store.mu.Lock()
	ok := s.store.capabilities[token]
	s.store.mu.Unlock()
	if !ok {
		fail(c, http.StatusUnauthorized, "invalid capability")
	}
	return ok
}

func (s *Server) discovery(c *gin.Context) {
	if !s.enter(c, EndpointDiscovery) {
		return
	}
	base := baseURL(c)
	schema := map[string]gin.H{}
	for _, name := range mediaTypeNames {
		schema[name] = gin.H{"mediaType": s.mediaType(name)}
	}
	c.JSON(http.StatusOK, gin.H{
		"url": base,
		"resources": gin.H{
			"sessions": gin.H{"url": base + "/sessions"},
			"accounts": gin.H{"url": base + "/accounts"},
		},
		"schema": gin.H{s.version: schema},
	})
}

type credentials struct {
	Key      string `json:"key"`
	Secret   string `json:"secret"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) createSession(c *gin.Context) {
	// held requests are counted once they are let through
	if gate := s.sessionGate(); gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
		}
		s.leaveGate()
	}
	if !s.enter(c, EndpointSessions) || !requireMediaType(c, "account") {
		return
	}
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var acct *account
	switch {
	case req.Email != "":
		s.store.mu.Lock()
		a, ok := s.store.accounts[req.Email]
		s.store.mu.Unlock()
		if !ok || a.Password != req.Password {
			fail(c, http.StatusUnauthorized, "invalid email or password")
			return
		}
		acct = a
	case req.Secret != "":
		s.store.mu.Lock()
		a, ok := s.store.secrets[req.Secret]
		s.store.mu.Unlock()
		if !ok {
			fail(c, http.StatusUnauthorized, "invalid secret")
			return
		}
		acct = a
	case req.Key == "" || req.Key != s.key:
		fail(c, http.StatusUnauthorized, "invalid key")
		return
	}
	s.respond(c, http.StatusCreated, "session", s.store.newSession(baseURL(c), acct))
}

func (s *Server) register(c *gin.Context) {
	if !s.enter(c, EndpointAccounts) {
		return
	}
	if !requireMediaType(c, "account") {
		return
	}
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		fail(c, http.StatusBadRequest, "email and password required")
		return
	}
	id := newID()
	acct := &account{
		ID:         id,
		URL:        baseURL(c) + "/accounts/" + id,
		Capability: newID(),
		Email:      req.Email,
		Secret:     newID(),
		Password:   req.Password,
	}
	s.store.mu.Lock()
	if _, exists := s.store.accounts[req.Email]; exists {
		s.store.mu.Unlock()
		fail(c, http.StatusConflict, "email already registered")
		return
	}
	s.store.accounts[acct.Email] = acct
	s.store.secrets[acct.Secret] = acct
	s.store.mu.Unlock()
	s.respond(c, http.StatusCreated, "session", s.store.newSession(baseURL(c), acct))
}

func (s *Server) createChannel(c *gin.Context) {
	if !s.enter(c, EndpointChannelCreate) || !s.requireSession(c) || !requireMediaType(c, "channel") {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, "name required")
		return
	}

	st := s.store
	st.mu.Lock()
	if _, exists := st.channels[req.Name]; exists {
		st.mu.Unlock()
		fail(c, http.StatusConflict, "channel exists")
		return
	}
	id := newID()
	ch := &channel{
		ID:         id,
		URL:        baseURL(c) + "/channels/" + id,
		Name:       req.Name,
		Capability: newID(),
	}
	ch.Resources.Subscriptions = ref{URL: ch.URL + "/subscriptions", Capability: ch.Capability}
	st.channels[ch.Name] = ch
	st.channelsByID[id] = ch
	st.mu.Unlock()
	s.respond(c, http.StatusCreated, "channel", ch)
}

func (s *Server) lookupChannels(c *gin.Context) {
	if !s.enter(c, EndpointChannelLookup) || !s.requireSession(c) {
		return
	}
	name := c.Query("name")
	st := s.store
	st.mu.Lock()
	out := lo.PickBy(st.channels, func(k string, _ *channel) bool { return name == "" || k == name })
	st.mu.Unlock()
	s.respond(c, http.StatusOK, "channels", out)
}

func (s *Server) channelByID(c *gin.Context) (*channel, bool) {
	st := s.store
	st.mu.Lock()
	ch, ok := st.channelsByID[c.Param("id")]
	st.mu.Unlock()
	if !ok {
		fail(c, http.StatusNotFound, "channel not found")
		return nil, false
	}
	if capability(c) != ch.Capability {
		fail(c, http.StatusUnauthorized, "invalid capability")
		return nil, false
	}
	return ch, true
}

func (s *Server) publish(c *gin.Context) {
	if !s.enter(c, EndpointPublish) || !requireMediaType(c, "message") {
		return
	}
	ch, ok := s.channelByID(c)
	if !ok {
		return
	}
	var req struct {
		Content json.RawMessage `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Content) == 0 {
		fail(c, http.StatusBadRequest, "content required")
		return
	}
	s.respond(c, http.StatusCreated, "message", s.store.publish(ch, req.Content))
}

func (s *Server) channelSubscriptions(c *gin.Context) {
	if !s.enter(c, EndpointChannelSubscriptions) {
		return
	}
	ch, ok := s.channelByID(c)
	if !ok {
		return
	}
	st := s.store
	st.mu.Lock()
	out := lo.PickBy(st.named, func(_ string, sub *subscription) bool { return lo.Contains(sub.Channels, ch.URL) })
	st.mu.Unlock()
	s.respond(c, http.StatusOK, "subscriptions", out)
}

func (s *Server) createSubscription(c *gin.Context) {
	if !s.enter(c, EndpointSubscriptionCreate) || !requireMediaType(c, "subscription") {
		return
	}
	var scoped *channel
	if c.Param("id") != "" {
		ch, ok := s.channelByID(c)
		if !ok {
			return
		}
		scoped = ch
	} else if !s.requireSession(c) {
		return
	}

	var req struct {
		Name     string   `json:"name"`
		Events   []string `json:"events"`
		Channels []string `json:"channels"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if scoped != nil && !lo.Contains(req.Channels, scoped.URL) {
		req.Channels = append(req.Channels, scoped.URL)
	}
	if len(req.Channels) == 0 {
		fail(c, http.StatusBadRequest, "channels required")
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"messages"}
	}

	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, u := range req.Channels {
		if _, ok := st.channelsByID[path.Base(u)]; !ok {
			fail(c, http.StatusBadRequest, "unknown channel "+u)
			return
		}
	}
	if _, exists := st.named[req.Name]; req.Name != "" && exists {
		fail(c, http.StatusConflict, "subscription exists")
		return
	}
	id := newID()
	sub := &subscription{
		ID:         id,
		URL:        baseURL(c) + "/subscriptions/" + id,
		Name:       req.Name,
		Capability: newID(),
		Channels:   lo.Uniq(req.Channels),
		Events:     req.Events,
		start:      st.seq,
	}
	st.subscriptions[id] = sub
	if sub.Name != "" {
		st.named[sub.Name] = sub
	}
	s.respond(c, http.StatusCreated, "subscription", sub)
}

func (s *Server) lookupSubscriptions(c *gin.Context) {
	if !s.enter(c, EndpointSubscriptionLookup) || !s.requireSession(c) {
		return
	}
	name := c.Query("name")
	st := s.store
	st.mu.Lock()
	out := lo.PickBy(st.named, func(k string, _ *subscription) bool { return name == "" || k == name })
	st.mu.Unlock()
	s.respond(c, http.StatusOK, "subscriptions", out)
}

func (s *Server) poll(c *gin.Context) {
	if !s.enter(c, EndpointPoll) {
		return
	}
	s.recordPoll(c.Request.URL.Query())

	st := s.store
	st.mu.Lock()
	sub, ok := st.subscriptions[c.Param("id")]
	st.mu.Unlock()
	if !ok {
		fail(c, http.StatusNotFound, "subscription not found")
		return
	}
	if capability(c) != sub.Capability {
		fail(c, http.StatusUnauthorized, "invalid capability")
		return
	}

	ctx := c.Request.Context()
	if s.hanging() {
		<-ctx.Done()
		return
	}

	hold := defaultPollTimeout
	if secs, err := strconv.Atoi(c.Query("timeout")); err == nil && secs > 0 {
		hold = time.Duration(secs) * time.Second
	}
	if s.maxHold > 0 {
		hold = min(hold, s.maxHold)
	}
	timer := time.NewTimer(hold)
	defer timer.Stop()

	cursor := c.Query("last-message")
	for {
		msgs, changed, ok := st.pending(sub, cursor)
		if !ok {
			fail(c, http.StatusBadRequest, "unknown last-message")
			return
		}
		if len(msgs) > 0 {
			s.respond(c, http.StatusOK, "events", gin.H{"messages": msgs})
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			s.respond(c, http.StatusOK, "events", gin.H{"messages": []message{}})
			return
		case <-ctx.Done():
			return
		}
	}
}
