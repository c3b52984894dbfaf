// Package server exposes the HTTP API: event ingestion, feedback, heuristic
// inspection, health, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/confidence"
	"github.com/fyrsmithlabs/reflexd/internal/event"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/learning"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/router"
	"github.com/fyrsmithlabs/reflexd/internal/store"
	"github.com/fyrsmithlabs/reflexd/internal/telemetry"
)

// Server is the HTTP surface over the routing core.
type Server struct {
	echo    *echo.Echo
	router  *router.Router
	learner learning.Strategy
	updater *confidence.Updater
	store   store.Store
	metrics *telemetry.Metrics
	logger  *logging.Logger
	cfg     config.ServerConfig
}

// Deps bundles the server's collaborators.
type Deps struct {
	Router  *router.Router
	Learner learning.Strategy
	Updater *confidence.Updater
	Store   store.Store
	Metrics *telemetry.Metrics
	Logger  *logging.Logger
}

// New creates the HTTP server and registers its routes.
func New(deps Deps, cfg config.ServerConfig) (*Server, error) {
	if deps.Router == nil {
		return nil, errors.New("router is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			deps.Logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)))
			return err
		}
	})

	s := &Server{
		echo:    e,
		router:  deps.Router,
		learner: deps.Learner,
		updater: deps.Updater,
		store:   deps.Store,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleEvent)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/heuristics", s.handleListHeuristics)
	v1.GET("/heuristics/:id", s.handleGetHeuristic)
	v1.GET("/heuristics/:id/history", s.handleHeuristicHistory)
	v1.POST("/heuristics/:id/activate", s.handleActivate)
	v1.GET("/fires", s.handleFires)
}

// EventRequest is the body for POST /api/v1/events.
type EventRequest struct {
	Text    string        `json:"text"`
	Source  string        `json:"source"`
	Context event.Context `json:"context"`
}

func (s *Server) handleEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ev, err := event.New(req.Text, req.Source, req.Context)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	decision, err := s.router.Route(c.Request().Context(), ev)
	if err != nil {
		s.logger.Error(c.Request().Context(), "routing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "routing failed")
	}
	return c.JSON(http.StatusOK, decision)
}

// FeedbackRequest is the body for POST /api/v1/feedback. Signal is
// "positive", "negative", or "ignored". Feedback names a heuristic directly
// or just the event it answers; event-only feedback is correlated to the fire
// or the escalated answer recorded for that event.
type FeedbackRequest struct {
	HeuristicID string `json:"heuristic_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Signal      string `json:"signal"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.HeuristicID == "" && req.EventID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "heuristic_id or event_id is required")
	}
	ctx := c.Request().Context()

	var err error
	if req.HeuristicID != "" {
		// The learner treats feedback for unknown heuristics as a silent
		// no-op; at the API boundary a bad ID deserves a 404 instead.
		if _, getErr := s.store.Get(ctx, req.HeuristicID); errors.Is(getErr, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "heuristic not found")
		}
		err = s.learner.Explicit(ctx, req.HeuristicID, req.EventID, req.Signal)
	} else {
		err = s.learner.ExplicitEvent(ctx, req.EventID, req.Signal)
	}
	switch {
	case errors.Is(err, learning.ErrUnknownSignal):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, learning.ErrNoCorrelation):
		return echo.NewHTTPError(http.StatusNotFound, "no fire or escalation recorded for event")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "heuristic not found")
	case err != nil:
		s.logger.Error(ctx, "feedback failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "feedback failed")
	}

	if s.metrics != nil {
		s.metrics.ConfidenceUpdates.WithLabelValues("explicit", req.Signal).Inc()
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListHeuristics(c echo.Context) error {
	all, err := s.store.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, all)
}

func (s *Server) handleGetHeuristic(c echo.Context) error {
	h, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "heuristic not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleHeuristicHistory(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.Get(c.Request().Context(), id); errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "heuristic not found")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	history, err := s.store.HistoryFor(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "history lookup failed")
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleActivate(c echo.Context) error {
	err := s.updater.Activate(c.Request().Context(), c.Param("id"), "reactivated via api")
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "heuristic not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "activate failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFires(c echo.Context) error {
	since := time.Now().Add(-time.Hour)
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = parsed
	}

	fires, err := s.store.RecentFires(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fires lookup failed")
	}
	if fires == nil {
		fires = []*heuristic.Fire{}
	}
	return c.JSON(http.StatusOK, fires)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the echo engine for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
