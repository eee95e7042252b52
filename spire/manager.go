package spire

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/infigaming-com/go-spire/errors"
	"go.uber.org/zap"
)

// Operation is work that needs a session. It receives either a session or
// the error that prevented one from being established.
type Operation func(ctx context.Context, s *Session, err error)

// credential is what a session is created from. Exactly one form is used:
// email and password, then secret, then key. register sends email and
// password to the accounts collection instead of logging in.
type credential struct {
	key      string
	secret   string
	email    string
	password string
	register bool
}

func (c credential) empty() bool {
	return c.key == "" && c.secret == "" && (c.email == "" || c.password == "")
}

func (c credential) body() map[string]string {
	switch {
	case c.email != "" && c.password != "":
		return map[string]string{"email": c.email, "password": c.password}
	case c.secret != "":
		return map[string]string{"secret": c.secret}
	}
	return map[string]string{"key": c.key}
}

type pendingOp struct {
	ctx context.Context
	op  Operation
}

// sessionManager owns the client's single session. While a session is being
// created, further operations wait in a FIFO queue and no second creation
// request is sent.
type sessionManager struct {
	opts      options
	wire      *wire
	discovery *discovery
	lg        *zap.Logger
	hooks     Hooks

	mu         sync.Mutex
	cred       credential
	session    *Session
	connecting bool
	pending    []pendingOp
}

func newSessionManager(o options, w *wire, d *discovery) *sessionManager {
	return &sessionManager{
		opts:      o,
		wire:      w,
		discovery: d,
		lg:        o.logger,
		hooks:     o.hooks,
		cred:      credential{key: o.key, secret: o.secret},
	}
}

// Do runs op with the session. With a session in hand op runs on the calling
// goroutine. If a connection is in progress op is queued and runs on the
// connecting goroutine once it completes; otherwise the caller connects, op
// runs on the calling goroutine and the queued operations follow it in
// submission order before Do returns.
func (m *sessionManager) Do(ctx context.Context, op Operation) {
	m.submit(ctx, op, nil, false)
}

// Go is Do without blocking the caller on a connection.
func (m *sessionManager) Go(ctx context.Context, op Operation) {
	m.submit(ctx, op, nil, true)
}

// Authenticate connects with cred instead of the configured credential. It
// fails with ErrSessionEstablished when a session exists or is being created.
func (m *sessionManager) Authenticate(ctx context.Context, cred credential, op Operation) {
	m.submit(ctx, op, &cred, false)
}

func (m *sessionManager) submit(ctx context.Context, op Operation, override *credential, async bool) {
	m.mu.Lock()
	if override != nil && (m.session != nil || m.connecting) {
		m.mu.Unlock()
		op(ctx, nil, ErrSessionEstablished)
		return
	}
	if s := m.session; s != nil {
		m.mu.Unlock()
		if async {
			go op(ctx, s, nil)
		} else {
			op(ctx, s, nil)
		}
		return
	}
	if m.connecting {
		m.pending = append(m.pending, pendingOp{ctx: ctx, op: op})
		m.mu.Unlock()
		return
	}

	cred := m.cred
	if override != nil {
		cred = *override
	}
	if cred.empty() {
		m.mu.Unlock()
		op(ctx, nil, errors.Wrap(ErrSessionCreation, ErrMissingCredential))
		return
	}
	m.connecting = true
	m.mu.Unlock()

	origin := pendingOp{ctx: ctx, op: op}
	if async {
		go m.connect(cred, origin)
	} else {
		m.connect(cred, origin)
	}
}

// connect creates the session and then runs the originating operation
// followed by everything queued behind it, in submission order. Cancelling
// the originating context does not abandon the queued operations.
func (m *sessionManager) connect(cred credential, origin pendingOp) {
	ctx := context.WithoutCancel(origin.ctx)
	s, err := m.create(ctx, cred)

	m.mu.Lock()
	if err == nil {
		m.session = s
		// reconnects after Reset re-authenticate with the account secret
		if secret := s.Account().Secret(); secret != "" {
			m.cred = credential{secret: secret}
		} else if cred.secret != "" || cred.key != "" {
			m.cred = credential{key: cred.key, secret: cred.secret}
		}
	}
	m.connecting = false
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()

	if err != nil {
		m.lg.Error("session creation failed", zap.Error(err), zap.Int("queued", len(queue)))
		m.hooks.sessionFailed(ctx, err)
	} else {
		m.lg.Info("session created", zap.String("url", s.URL()), zap.Int("queued", len(queue)))
		m.hooks.sessionCreated(ctx, s.URL())
	}

	origin.op(origin.ctx, s, err)
	for _, p := range queue {
		p.op(p.ctx, s, err)
	}
}

func (m *sessionManager) create(ctx context.Context, cred credential) (*Session, error) {
	desc, err := m.discovery.Get(ctx)
	if err != nil {
		return nil, err
	}
	v := m.opts.apiVersion

	target, ok := desc.Resource("sessions")
	if !ok {
		return nil, errors.Wrap(ErrDiscovery, fmt.Errorf("discovery document has no sessions resource"))
	}
	if cred.register {
		accounts, ok := desc.Resource("accounts")
		if !ok {
			return nil, errors.Wrap(ErrDiscovery, fmt.Errorf("discovery document has no accounts resource"))
		}
		target = accounts
	}

	var data sessionData
	_, err = m.wire.do(ctx, call{
		method:      http.MethodPost,
		url:         target.URL,
		contentType: desc.MediaType(v, "account"),
		accept:      desc.MediaType(v, "session"),
		body:        cred.body(),
		failure:     ErrSessionCreation,
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.URL == "" || data.Capability == "" {
		return nil, errors.Wrap(ErrSessionCreation, errors.Wrap(ErrMalformedResource, fmt.Errorf("session without url or capability")))
	}
	return newSession(m, desc, data), nil
}

// Session returns the current session, or nil.
func (m *sessionManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Reset forgets the session. The next operation connects again.
func (m *sessionManager) Reset() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
}
