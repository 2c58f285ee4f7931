// Package api exposes the operator HTTP surface over the execution core.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/ledger"
	"execution-core/internal/orchestrator"
	"execution-core/internal/reconcile"
	"execution-core/pkg/db"
)

// Server wires HTTP endpoints around the core services.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Ledger      *ledger.Ledger
	Orch        *orchestrator.Orchestrator
	Trail       *audit.Trail
	Reconciler  *reconcile.Service
	Monitor     *health.Monitor
	Paper       *engine.PaperAdapter
	Protection  *engine.Protection
	JWTSecret   string
	OperatorKey string
}

// Deps bundles the server's collaborators.
type Deps struct {
	Bus         *events.Bus
	DB          *db.Database
	Ledger      *ledger.Ledger
	Orch        *orchestrator.Orchestrator
	Trail       *audit.Trail
	Reconciler  *reconcile.Service
	Monitor     *health.Monitor
	Paper       *engine.PaperAdapter
	Protection  *engine.Protection
	JWTSecret   string
	OperatorKey string
}

func NewServer(d Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         d.Bus,
		DB:          d.DB,
		Ledger:      d.Ledger,
		Orch:        d.Orch,
		Trail:       d.Trail,
		Reconciler:  d.Reconciler,
		Monitor:     d.Monitor,
		Paper:       d.Paper,
		Protection:  d.Protection,
		JWTSecret:   d.JWTSecret,
		OperatorKey: d.OperatorKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/session", s.getSession)
			protected.POST("/session/start", s.startSession)
			protected.POST("/session/stop", s.stopSession)
			protected.POST("/session/mode", s.setMode)
			protected.POST("/session/pause", s.pauseSession)
			protected.POST("/session/resume", s.resumeSession)
			protected.POST("/session/squareoff", s.squareOff)

			protected.POST("/signals", s.postSignal)
			protected.GET("/proposals", s.getProposals)
			protected.POST("/proposals/:id/approve", s.approveProposal)
			protected.DELETE("/proposals/:id", s.discardProposal)

			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.PUT("/orders/:id", s.modifyOrder)

			protected.GET("/positions", s.getPositions)
			protected.GET("/risk-events", s.getRiskEvents)
			protected.GET("/audit", s.getAuditEvents)

			protected.POST("/reconcile", s.triggerReconcile)
			protected.GET("/adapters", s.getAdapters)

			protected.POST("/ticks", s.postTick)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
