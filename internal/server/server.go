package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/seigyo/internal/alerts"
	"github.com/ashita-ai/seigyo/internal/analysis"
	"github.com/ashita-ai/seigyo/internal/events"
	"github.com/ashita-ai/seigyo/internal/governance"
	"github.com/ashita-ai/seigyo/internal/inference"
	"github.com/ashita-ai/seigyo/internal/ingest"
	"github.com/ashita-ai/seigyo/internal/lifecycle"
	"github.com/ashita-ai/seigyo/internal/schema"
	"github.com/ashita-ai/seigyo/internal/storage"
	"github.com/ashita-ai/seigyo/internal/training"
	"github.com/ashita-ai/seigyo/internal/trust"
)

// Server is the control plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
// Broker, Training, and Pipeline are nil-safe; everything else is required.
type Config struct {
	Lifecycle *lifecycle.Manager
	Registry  *schema.Registry
	Analyzer  *analysis.Analyzer
	Inferrer  *inference.Inferrer
	Trust     *trust.Engine
	Alerts    *alerts.System
	Training  *training.Trigger
	Pipeline  *ingest.Pipeline
	Broker    *events.Broker
	Gateway   governance.Gateway
	DB        *storage.DB
	Logger    *slog.Logger

	// BaseContext parents the background loops started over HTTP
	// (monitoring, alert checks, ingestion). Defaults to context.Background.
	BaseContext context.Context

	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	AlertInterval time.Duration
}

// handlers carries the wired dependencies for every route.
type handlers struct {
	lifecycle *lifecycle.Manager
	registry  *schema.Registry
	analyzer  *analysis.Analyzer
	inferrer  *inference.Inferrer
	trust     *trust.Engine
	alerts    *alerts.System
	training  *training.Trigger
	pipeline  *ingest.Pipeline
	broker    *events.Broker
	gateway   governance.Gateway
	db        *storage.DB
	logger    *slog.Logger

	baseCtx       context.Context
	alertInterval time.Duration
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	alertInterval := cfg.AlertInterval
	if alertInterval <= 0 {
		alertInterval = time.Minute
	}

	h := &handlers{
		lifecycle:     cfg.Lifecycle,
		registry:      cfg.Registry,
		analyzer:      cfg.Analyzer,
		inferrer:      cfg.Inferrer,
		trust:         cfg.Trust,
		alerts:        cfg.Alerts,
		training:      cfg.Training,
		pipeline:      cfg.Pipeline,
		broker:        cfg.Broker,
		gateway:       cfg.Gateway,
		db:            cfg.DB,
		logger:        cfg.Logger,
		baseCtx:       baseCtx,
		alertInterval: alertInterval,
	}

	mux := http.NewServeMux()

	// Agent lifecycle.
	mux.HandleFunc("POST /agent-lifecycle/spawn", h.handleSpawn)
	mux.HandleFunc("POST /agent-lifecycle/execute-job", h.handleExecuteJob)
	mux.HandleFunc("POST /agent-lifecycle/submit-job", h.handleSubmitJob)
	mux.HandleFunc("POST /agent-lifecycle/process-queue", h.handleProcessQueue)
	mux.HandleFunc("POST /agent-lifecycle/terminate/{agent_id}", h.handleTerminate)
	mux.HandleFunc("POST /agent-lifecycle/revoke", h.handleRevoke)
	mux.HandleFunc("GET /agent-lifecycle/agents", h.handleListAgents)
	mux.HandleFunc("GET /agent-lifecycle/agents/{id}", h.handleGetAgent)
	mux.HandleFunc("GET /agent-lifecycle/metrics", h.handleMetrics)
	mux.HandleFunc("GET /agent-lifecycle/jobs/{job_id}", h.handleGetJob)
	mux.HandleFunc("POST /agent-lifecycle/monitoring/start", h.handleMonitoringStart)
	mux.HandleFunc("POST /agent-lifecycle/monitoring/stop", h.handleMonitoringStop)

	// Memory tables.
	mux.HandleFunc("GET /memory/tables", h.handleListTables)
	mux.HandleFunc("GET /memory/tables/{name}/schema", h.handleTableSchema)
	mux.HandleFunc("GET /memory/tables/{name}/rows", h.handleQueryRows)
	mux.HandleFunc("POST /memory/tables/{name}/rows", h.handleInsertRow)
	mux.HandleFunc("PATCH /memory/tables/{name}/rows/{id}", h.handleUpdateRow)
	mux.HandleFunc("POST /memory/tables/analyze", h.handleAnalyze)

	// Auto-ingestion.
	mux.HandleFunc("POST /auto-ingest/start", h.handleIngestStart)
	mux.HandleFunc("POST /auto-ingest/stop", h.handleIngestStop)
	mux.HandleFunc("GET /auto-ingest/pending", h.handleIngestPending)
	mux.HandleFunc("POST /auto-ingest/approve", h.handleIngestApprove)

	// Alerts & trust.
	mux.HandleFunc("GET /alerts/active", h.handleActiveAlerts)
	mux.HandleFunc("GET /alerts/summary", h.handleAlertSummary)
	mux.HandleFunc("POST /alerts/acknowledge", h.handleAcknowledgeAlert)
	mux.HandleFunc("POST /alerts/resolve", h.handleResolveAlert)
	mux.HandleFunc("POST /alerts/monitoring/start", h.handleAlertMonitoringStart)
	mux.HandleFunc("POST /alerts/monitoring/stop", h.handleAlertMonitoringStop)
	mux.HandleFunc("GET /trust/report", h.handleTrustReport)
	mux.HandleFunc("POST /trust/rescore", h.handleTrustRescore)

	// Training.
	mux.HandleFunc("GET /training/status", h.handleTrainingStatus)
	mux.HandleFunc("POST /training/force", h.handleTrainingForce)

	// Events & health.
	mux.HandleFunc("GET /events/subscribe", h.handleSubscribe)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
