// Package server exposes the read API: task listings, log tails, queue and
// handler introspection, health, and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mend/internal/logchan"
	"mend/internal/logging"
	"mend/internal/orchestrator"
	"mend/internal/webhook"
)

// APIResponse is the standard envelope for every JSON endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, APIResponse{Success: false, Error: err.Error()})
}

// Server hosts the HTTP surface: webhooks plus the read API.
type Server struct {
	svc        *orchestrator.Service
	logs       logchan.Channel
	dispatcher *webhook.Dispatcher
	logger     logging.Logger

	engine *gin.Engine
	http   *http.Server
}

// New assembles the engine and routes. dispatcher may be nil for worker-only
// deployments that still want the read API.
func New(addr string, svc *orchestrator.Service, logs logchan.Channel, dispatcher *webhook.Dispatcher) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		svc:        svc,
		logs:       logs,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger("Server"),
		engine:     engine,
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.dispatcher != nil {
		s.dispatcher.Mount(s.engine)
	}

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/agents", s.handleAgents)

	tasks := s.engine.Group("/tasks")
	{
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.GET("/:id/status", s.handleTaskStatus)
		tasks.GET("/:id/logs", s.handleTaskLogs)
		tasks.GET("/:id/logs/ws", s.handleTaskLogsWS)
		tasks.GET("/:id/transitions", s.handleTaskTransitions)
	}

	s.engine.GET("/queues/:name", s.handleQueueStats)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
