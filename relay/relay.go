package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/secretlove/love-relay/metrics"
	"github.com/secretlove/love-relay/model"
	"github.com/secretlove/love-relay/push"
	"github.com/secretlove/love-relay/registry"
)

var ErrStopped = errors.New("relay stopped")

// Session is one live transport connection.
type Session interface {
	ID() string
	// Send queues d for the client without blocking. It reports false when the frame was dropped.
	Send(d model.Delivery) bool
}

// Pusher reaches a user that has no live session.
type Pusher interface {
	Dispatch(ctx context.Context, to, from, message string) push.Outcome
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventLogin
	eventPing
	eventDisconnect
)

type event struct {
	kind    eventKind
	session Session
	login   model.Login
	ping    model.Ping
}

// Relay routes each ping either to the recipient's live session or to push.
// Connect, login, ping and disconnect events are handled one at a time by a single
// loop goroutine, in the order they were submitted.
type Relay struct {
	registry *registry.Registry
	sessions map[string]Session // owned by the loop
	pusher   Pusher
	tokens   push.TokenStore
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	events  chan event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	pushes  sync.WaitGroup
}

// New returns a relay. tokens and m may be nil.
func New(pusher Pusher, tokens push.TokenStore, logger *log.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		registry: registry.New(),
		sessions: make(map[string]Session),
		pusher:   pusher,
		tokens:   tokens,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		events:   make(chan event, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the event loop in its own goroutine.
func (r *Relay) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

// Stop ends the event loop and waits for in-flight push dispatches.
func (r *Relay) Stop() {
	r.once.Do(func() {
		close(r.quit)
	})
	if r.started.Load() {
		<-r.done
	}
	r.pushes.Wait()
}

func (r *Relay) loop() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.quit:
			return
		}
	}
}

func (r *Relay) submit(ev event) error {
	select {
	case <-r.quit:
		return ErrStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.quit:
		return ErrStopped
	}
}

// Connect registers a new transport session. It is not bound to a user until Login.
func (r *Relay) Connect(s Session) error {
	return r.submit(event{kind: eventConnect, session: s})
}

// Login binds s to l.UserID. A device token, when present, is persisted before the
// binding is submitted so a later push for this user can find it.
func (r *Relay) Login(ctx context.Context, s Session, l model.Login) error {
	if token := l.Token(); token != "" && r.tokens != nil {
		if err := r.tokens.SetToken(ctx, l.UserID, token); err != nil {
			r.logger.Errorf("fail to save device token for %s, err: %s", l.UserID, err)
		}
	}
	return r.submit(event{kind: eventLogin, session: s, login: l})
}

// Ping routes p. Recipient being offline is not an error.
func (r *Relay) Ping(s Session, p model.Ping) error {
	return r.submit(event{kind: eventPing, session: s, ping: p})
}

// Disconnect drops s and its binding, if the binding still points at s.
func (r *Relay) Disconnect(s Session) error {
	return r.submit(event{kind: eventDisconnect, session: s})
}

// Online reports whether userID currently has a live session.
func (r *Relay) Online(userID string) bool {
	_, ok := r.registry.Lookup(userID)
	return ok
}

func (r *Relay) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		r.sessions[ev.session.ID()] = ev.session
		r.logger.Infof("session %s connected", ev.session.ID())
	case eventLogin:
		r.handleLogin(ev.session, ev.login)
	case eventPing:
		r.handlePing(ev.ping)
	case eventDisconnect:
		r.handleDisconnect(ev.session)
	}
	r.updateGauges()
}

func (r *Relay) handleLogin(s Session, l model.Login) {
	// login without an earlier connect still registers the session
	r.sessions[s.ID()] = s
	// a session speaks for one user at a time
	for _, userID := range r.registry.Unbind(s.ID()) {
		if userID != l.UserID {
			r.logger.Infof("session %s switched from %s to %s", s.ID(), userID, l.UserID)
		}
	}
	prev, superseded := r.registry.Bind(l.UserID, s.ID())
	if superseded {
		r.logger.Infof("%s logged in with session %s, superseding %s", l.UserID, s.ID(), prev)
		return
	}
	r.logger.Infof("%s logged in with session %s", l.UserID, s.ID())
}

func (r *Relay) handlePing(p model.Ping) {
	d := model.Delivery{
		ID:        p.ID,
		From:      p.From,
		To:        p.To,
		Message:   p.Message,
		Type:      model.PingType(p.Type),
		Timestamp: r.now().UnixMilli(),
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if sid, ok := r.registry.Lookup(p.To); ok {
		if s, found := r.sessions[sid]; found {
			if !s.Send(d) {
				r.logger.Warnf("outbound buffer of session %s full, ping %s to %s dropped", sid, d.ID, p.To)
			} else {
				r.logger.Debugf("ping %s delivered live to %s", d.ID, p.To)
			}
			r.countPing("live")
			return
		}
		r.logger.Warnf("binding for %s points at unknown session %s", p.To, sid)
	}
	if r.pusher == nil {
		r.logger.Warnf("user %s offline and push is off, ping %s not relayed", p.To, d.ID)
		r.countPing("offline")
		return
	}
	r.logger.Infof("user %s offline, sending push notification", p.To)
	r.countPing("push")
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		r.pusher.Dispatch(context.Background(), p.To, p.From, p.Message)
	}()
}

func (r *Relay) handleDisconnect(s Session) {
	delete(r.sessions, s.ID())
	users := r.registry.Unbind(s.ID())
	for _, userID := range users {
		r.logger.Infof("%s disconnected", userID)
	}
	if len(users) == 0 {
		r.logger.Debugf("session %s disconnected", s.ID())
	}
}

func (r *Relay) countPing(route string) {
	if r.metrics != nil {
		r.metrics.Pings.WithLabelValues(route).Inc()
	}
}

func (r *Relay) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.Online.Set(float64(r.registry.Len()))
	r.metrics.Sessions.Set(float64(len(r.sessions)))
}
