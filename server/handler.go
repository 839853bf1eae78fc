package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/secretlove/love-relay/config"
	"github.com/secretlove/love-relay/contexthelper"
	"github.com/secretlove/love-relay/metrics"
	"github.com/secretlove/love-relay/model"
	"github.com/secretlove/love-relay/relay"
	"github.com/secretlove/love-relay/storage"
)

type Server struct {
	cfg      *config.Config
	s        storage.Storage
	r        *relay.Relay
	m        *metrics.Metrics
	e        *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer returns a new server with its routes registered.
func NewServer(cfg *config.Config, s storage.Storage, r *relay.Relay, m *metrics.Metrics, logger *log.Logger) *Server {
	srv := &Server{
		cfg: cfg,
		s:   s,
		r:   r,
		m:   m,
		e:   echo.New(),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     srv.checkOrigin,
	}
	if logger != nil {
		srv.e.Logger = logger
	}
	srv.e.HideBanner = true
	srv.routes()
	return srv
}

func (s *Server) routes() {
	e := s.e
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.GET("/", s.Index)
	e.GET("/ping", s.Ping)
	e.GET("/ws", s.Socket)
	e.GET("/metrics", echo.WrapHandler(s.m.Handler()))
	e.GET("/presence/:userID", s.Presence)
	e.PUT("/tokens/:userID", s.SetToken)
	group := e.Group("/pings")
	group.POST("", s.PostPing)
	group.GET("/:userID", s.GetPings)
	group.PUT("/:userID/:id/delivered", s.MarkDelivered)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) StartServer() error {
	s.e.Logger.SetLevel(log.DEBUG)
	return s.e.Start(fmt.Sprintf(":%d", s.cfg.Port))
}

func (s *Server) StopServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return s.e.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) Index(c echo.Context) error {
	return c.String(http.StatusOK, "Secret Love Realtime Server is running!")
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Love Relay is running")
}

func userParam(c echo.Context) (string, error) {
	raw, err := url.PathUnescape(c.Param("userID"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (s *Server) Presence(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil || userID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, presenceResponse{UserID: userID, Online: s.r.Online(userID)})
}

type tokenRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// SetToken registers a push device token outside of a live session.
func (s *Server) SetToken(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil || userID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.DeviceToken) == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.s.SetToken(c.Request().Context(), userID, strings.TrimSpace(req.DeviceToken)); err != nil {
		c.Logger().Errorf("fail to set token for %s, err: %s", userID, err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// PostPing writes a ping to the durable fallback store.
func (s *Server) PostPing(c echo.Context) error {
	if contexthelper.CheckCancellation(c.Request().Context()) != nil {
		return c.NoContent(http.StatusRequestTimeout)
	}
	var p model.Ping
	if err := c.Bind(&p); err != nil {
		c.Logger().Error(err)
		return c.NoContent(http.StatusBadRequest)
	}
	p.From = strings.TrimSpace(p.From)
	p.To = strings.TrimSpace(p.To)
	if p.From == "" || p.To == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	stored, err := s.s.SavePing(c.Request().Context(), model.StoredPing{
		ID:      strings.TrimSpace(p.ID),
		From:    p.From,
		To:      p.To,
		Message: p.Message,
		Type:    p.Type,
	})
	if err != nil {
		c.Logger().Errorf("fail to save ping from %s to %s, err: %s", p.From, p.To, err)
		return c.NoContent(http.StatusInternalServerError)
	}
	s.m.StoredPings.WithLabelValues("save").Inc()
	return c.JSON(http.StatusCreated, stored)
}

// GetPings returns the recipient's undelivered pings and marks each one delivered,
// so a record is handed out at most once.
func (s *Server) GetPings(c echo.Context) error {
	if contexthelper.CheckCancellation(c.Request().Context()) != nil {
		return c.NoContent(http.StatusRequestTimeout)
	}
	userID, err := userParam(c)
	if err != nil || userID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	since := time.Now().Add(-s.cfg.Fallback.PollWindow.Duration)
	if raw := c.QueryParam("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		since = time.UnixMilli(ms)
	}
	pings, err := s.s.ClaimPending(c.Request().Context(), userID, since, s.cfg.Fallback.PollLimit)
	if err != nil {
		c.Logger().Errorf("fail to claim pings for %s, err: %s", userID, err)
		if len(pings) == 0 {
			return c.NoContent(http.StatusInternalServerError)
		}
	}
	if pings == nil {
		pings = []model.StoredPing{}
	}
	s.m.StoredPings.WithLabelValues("claim").Add(float64(len(pings)))
	return c.JSON(http.StatusOK, pings)
}

type deliveredResponse struct {
	ID      string `json:"id"`
	Updated bool   `json:"updated"`
}

// MarkDelivered flags one record. Marking an already delivered record is a no-op.
func (s *Server) MarkDelivered(c echo.Context) error {
	if contexthelper.CheckCancellation(c.Request().Context()) != nil {
		return c.NoContent(http.StatusRequestTimeout)
	}
	userID, err := userParam(c)
	id := strings.TrimSpace(c.Param("id"))
	if err != nil || userID == "" || id == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	updated, err := s.s.MarkDelivered(c.Request().Context(), userID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		c.Logger().Errorf("fail to mark ping %s delivered, err: %s", id, err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if updated {
		s.m.StoredPings.WithLabelValues("mark").Inc()
	}
	return c.JSON(http.StatusOK, deliveredResponse{ID: id, Updated: updated})
}
