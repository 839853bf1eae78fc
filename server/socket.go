package server

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/secretlove/love-relay/model"
	"github.com/secretlove/love-relay/relay"
)

const writeWait = 10 * time.Second

var _ relay.Session = (*session)(nil)

// session is one websocket connection. Frames for the client go through send and
// are written by writePump; readPump feeds client frames to the relay in order.
type session struct {
	id      string
	conn    *websocket.Conn
	send    chan model.Envelope
	done    chan struct{}
	limiter *rate.Limiter
	logger  echo.Logger
}

func newSession(conn *websocket.Conn, buffer int, limit rate.Limit, burst int, logger echo.Logger) *session {
	if buffer <= 0 {
		buffer = 32
	}
	return &session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan model.Envelope, buffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Send(d model.Delivery) bool {
	env, err := model.NewEnvelope(model.EventPing, d)
	if err != nil {
		s.logger.Errorf("fail to encode ping %s, err: %s", d.ID, err)
		return false
	}
	return s.enqueue(env)
}

func (s *session) enqueue(env model.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *session) sendError(msg string) {
	env, err := model.NewEnvelope(model.EventError, model.ErrorFrame{Message: msg})
	if err != nil {
		return
	}
	s.enqueue(env)
}

// Socket upgrades the request and serves the live channel until the client goes away.
func (s *Server) Socket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied to the client
		c.Logger().Errorf("fail to upgrade websocket, err: %s", err)
		return nil
	}
	limit := rate.Limit(s.cfg.Session.PingRate)
	if s.cfg.Session.PingRate <= 0 {
		limit = rate.Inf
	}
	sess := newSession(conn, s.cfg.Session.SendBuffer, limit, s.cfg.Session.PingBurst, c.Logger())
	if err := s.r.Connect(sess); err != nil {
		_ = conn.Close()
		return nil
	}
	pongTimeout := s.cfg.Session.PongTimeout.Duration
	if pongTimeout <= 0 {
		pongTimeout = 60 * time.Second
	}
	go sess.writePump(pongTimeout * 9 / 10)
	s.readPump(c, sess, pongTimeout)
	return nil
}

func (s *Server) readPump(c echo.Context, sess *session, pongTimeout time.Duration) {
	defer func() {
		close(sess.done)
		if err := s.r.Disconnect(sess); err != nil {
			c.Logger().Debugf("disconnect of session %s not relayed, err: %s", sess.id, err)
		}
	}()
	ctx := c.Request().Context()
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		var env model.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				sess.sendError("malformed frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger().Warnf("session %s closed unexpectedly, err: %s", sess.id, err)
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		var err error
		switch env.Event {
		case model.EventLogin:
			var l model.Login
			if json.Unmarshal(env.Data, &l) != nil || strings.TrimSpace(l.UserID) == "" {
				sess.sendError("login requires userId")
				continue
			}
			l.UserID = strings.TrimSpace(l.UserID)
			err = s.r.Login(ctx, sess, l)
		case model.EventPing:
			var p model.Ping
			if json.Unmarshal(env.Data, &p) != nil || strings.TrimSpace(p.To) == "" {
				sess.sendError("ping requires to")
				continue
			}
			if !sess.limiter.Allow() {
				sess.sendError("too many pings")
				continue
			}
			err = s.r.Ping(sess, p)
		default:
			sess.sendError("unknown event " + env.Event)
			continue
		}
		if errors.Is(err, relay.ErrStopped) {
			return
		}
	}
}

func (s *session) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debugf("fail to write to session %s, err: %s", s.id, err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
