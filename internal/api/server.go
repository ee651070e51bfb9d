package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/agentchain/internal/agents"
	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/expressions"
	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/internal/streaming"
	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// Orchestrator is the slice of engine.Orchestrator the API drives.
type Orchestrator interface {
	StartWorkflow(ctx context.Context, req engine.StartRequest) (string, error)
	RunStage(ctx context.Context, stage schema.Stage, in agents.Input, provider string, opts generation.Options) (schema.StageOutput, error)
	ActiveCount() int
	Executions() engine.PoolMetrics
}

// ProviderLister reports the configured generation providers.
type ProviderLister interface {
	Providers() []string
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Orchestrator Orchestrator
	Store        store.Store
	Hub          streaming.Hub
	Providers    ProviderLister
	Validator    validation.Validator
	Logger       *slog.Logger

	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Tracing enables the otelecho middleware.
	Tracing bool
	// Done is closed on shutdown to end long-lived push connections, which
	// outlive http.Server.Shutdown once hijacked.
	Done <-chan struct{}
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	jq   *expressions.GoJQEngine
	echo *echo.Echo
}

// NewServer builds the echo instance and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, jq: expressions.NewGoJQEngine()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleHTTPError

	e.Use(middleware.Recover())
	if deps.Tracing {
		e.Use(otelecho.Middleware("agentchain"))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/api/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				level = slog.LevelWarn
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.deps.Logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	s.registerRoutes(e)
	s.echo = e
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Echo exposes the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/workflow", s.handleStartWorkflow)
	api.GET("/workflow/:id", s.handleWorkflowStatus)
	api.GET("/workflow/:id/results", s.handleWorkflowResults)

	api.GET("/workflows", s.handleListWorkflows)
	api.GET("/workflows/stats", s.handleStats)
	api.GET("/workflows/:id", s.handleWorkflowDetail)
	api.GET("/workflows/:id/history", s.handleHistory)
	api.GET("/workflows/:id/diagram", s.handleDiagram)
	api.DELETE("/workflows/:id", s.handleDeleteWorkflow)

	api.POST("/agents/:stage", s.handleRunAgent)
	api.GET("/health", s.handleHealth)
	api.GET("/events", s.handleSSE)

	e.GET("/ws/workflows", s.handleWebsocket)

	if s.deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(s.deps.MCP))
		e.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}
}
