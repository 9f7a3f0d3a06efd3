// Package api wires the engine, scheduler, and model backend to an HTTP
// surface: an OpenAI-chat-completions-shaped endpoint, request
// introspection, stats, Prometheus metrics, and health checks, built on
// github.com/labstack/echo/v5.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cortexstream/cortexstream/internal/backend"
	"github.com/cortexstream/cortexstream/internal/engine"
	"github.com/cortexstream/cortexstream/internal/logger"
	"github.com/cortexstream/cortexstream/internal/scheduler"
)

// Server holds everything the HTTP handlers need: the running engine, the
// scheduler they submit work to, the backend (for vocabulary size), and
// the bounded response cache for completed chat completions.
type Server struct {
	eng     *engine.Engine
	sch     *scheduler.Scheduler
	backend backend.Backend
	store   *ResponseStore
	limiter *rate.Limiter
	modelID string
	log     logger.Logger
	clock   func() time.Time
}

// NewServer constructs a Server. requestsPerSecond <= 0 means unlimited.
func NewServer(eng *engine.Engine, sch *scheduler.Scheduler, be backend.Backend, modelID string, requestsPerSecond float64, log logger.Logger) *Server {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
	}
	if log == nil {
		log = logger.Default()
	}
	log = logger.WithComponent(log, "http")
	return &Server{
		eng:     eng,
		sch:     sch,
		backend: be,
		store:   NewResponseStore(0),
		limiter: limiter,
		modelID: modelID,
		log:     log,
		clock:   time.Now,
	}
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.rateLimited(s.handleChatCompletions))
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/requests", s.handleListRequests)
	e.GET("/v1/requests/:id", s.handleGetRequest)
	e.POST("/v1/requests/:id/cancel", s.handleCancelRequest)
	e.GET("/v1/stats", s.handleStats)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
}

// rateLimited rejects a request with 429 before it reaches the handler
// when the configured requestsPerSecond budget is exhausted, keeping
// admission backpressure policy itself entirely inside the scheduler.
func (s *Server) rateLimited(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("rate limit exceeded", "path", c.Request().URL.Path)
			return writeAPIError(c, ErrRateLimited)
		}
		return next(c)
	}
}

func (s *Server) handleListRequests(c *echo.Context) error {
	active := s.eng.GetActiveRequests()
	out := make([]RequestSummary, 0, len(active))
	for _, r := range active {
		out = append(out, RequestSummary{
			ID:              r.ID(),
			State:           r.State().String(),
			GeneratedTokens: len(r.GeneratedTokens()),
			MaxTokens:       r.MaxTokens(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleGetRequest(c *echo.Context) error {
	id := c.Param("id")

	if resp, ok := s.store.Get(id); ok {
		return c.JSON(http.StatusOK, resp)
	}

	if r, ok := s.sch.FinishedRequest(id); ok {
		finish := finishReasonFor(r)
		return c.JSON(http.StatusOK, map[string]any{
			"id":               r.ID(),
			"state":            r.State().String(),
			"stop_reason":      r.StopReason(),
			"error":            r.ErrorMessage(),
			"finish_reason":    finish,
			"generated_tokens": len(r.GeneratedTokens()),
		})
	}

	for _, r := range s.eng.GetActiveRequests() {
		if r.ID() == id {
			return c.JSON(http.StatusOK, RequestSummary{
				ID:              r.ID(),
				State:           r.State().String(),
				GeneratedTokens: len(r.GeneratedTokens()),
				MaxTokens:       r.MaxTokens(),
			})
		}
	}

	return writeAPIError(c, newRequestNotFound(id))
}

func (s *Server) handleCancelRequest(c *echo.Context) error {
	id := c.Param("id")
	for _, r := range s.eng.GetActiveRequests() {
		if r.ID() == id {
			r.Cancel()
			return c.JSON(http.StatusOK, map[string]any{"id": id, "cancelled": true})
		}
	}
	return writeAPIError(c, newRequestNotFound(id))
}

func (s *Server) handleStats(c *echo.Context) error {
	st := s.eng.GetStats()
	return c.JSON(http.StatusOK, StatsResponse{
		TokensProcessed:   st.TokensProcessed,
		RequestsCompleted: st.RequestsCompleted,
		RequestsFailed:    st.RequestsFailed,
		AverageBatchSize:  st.AverageBatchSize,
		TotalLatencyNanos: int64(st.TotalLatency),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(c *echo.Context) error {
	if !s.eng.IsWarmedUp() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}
