package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
)

// StateSource provides the current trigger state.
type StateSource interface {
	Snapshot() model.TriggerState
}

// Server exposes health, metrics and read-only state over HTTP.
type Server struct {
	echo        *echo.Echo
	addr        string
	state       StateSource
	maxTriggers int
	log         zerolog.Logger
	started     time.Time
}

// New builds the server. metrics may be nil.
func New(addr string, state StateSource, maxTriggers int, metrics http.Handler, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		addr:        addr,
		state:       state,
		maxTriggers: maxTriggers,
		log:         log.With().Str("component", "server").Logger(),
		started:     time.Now(),
	}

	e.GET("/healthz", s.health)
	e.GET("/state", s.snapshot)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	return s
}

type healthResponse struct {
	Status       string `json:"status"`
	TriggerCount int    `json:"trigger_count"`
	MaxTriggers  int    `json:"max_triggers"`
	Pending      int    `json:"pending_notifications"`
	Uptime       string `json:"uptime"`
}

func (s *Server) health(c echo.Context) error {
	st := s.state.Snapshot()
	resp := healthResponse{
		Status:       "ok",
		TriggerCount: st.TriggerCount,
		MaxTriggers:  s.maxTriggers,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	}
	for _, r := range st.TriggerHistory {
		if r.Pending() {
			resp.Pending++
		}
	}
	if st.TriggerCount >= s.maxTriggers {
		resp.Status = "complete"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) snapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.state.Snapshot())
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens in the background. A listen failure is logged.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}
