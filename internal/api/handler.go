package api

import (
	"net/http"
	"strings"
	"time"

	"platform-core/internal/engine"
	"platform-core/internal/events"
	"platform-core/internal/ledger"
	"platform-core/internal/monitor"
	"platform-core/internal/referral"
	"platform-core/internal/transfer"
	"platform-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the settlement engine and the
// event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Queries   *db.Queries
	Engine    engine.Service
	Transfers *transfer.Service
	Referrals *referral.Service
	Ledger    *ledger.Ledger
	Metrics   *monitor.SystemMetrics
	JWTSecret string

	tokenTTL    time.Duration
	adminEmails map[string]bool
}

// Deps carries everything the server needs. All fields are required
// except Metrics.
type Deps struct {
	Bus         *events.Bus
	Queries     *db.Queries
	Engine      engine.Service
	Transfers   *transfer.Service
	Referrals   *referral.Service
	Ledger      *ledger.Ledger
	Metrics     *monitor.SystemMetrics
	JWTSecret   string
	TokenTTL    time.Duration
	AdminEmails []string
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(deps.Metrics))         // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())               // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	adminEmails := make(map[string]bool, len(deps.AdminEmails))
	for _, e := range deps.AdminEmails {
		adminEmails[strings.ToLower(strings.TrimSpace(e))] = true
	}

	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s := &Server{
		Router:      r,
		Bus:         deps.Bus,
		Queries:     deps.Queries,
		Engine:      deps.Engine,
		Transfers:   deps.Transfers,
		Referrals:   deps.Referrals,
		Ledger:      deps.Ledger,
		Metrics:     deps.Metrics,
		JWTSecret:   deps.JWTSecret,
		tokenTTL:    ttl,
		adminEmails: adminEmails,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/trade", s.placeTrade)
			protected.GET("/balance", s.getBalance)
			protected.GET("/trades", s.getTrades)
			protected.POST("/transfers", s.createTransfer)
			protected.GET("/transfers", s.getTransfers)
			protected.GET("/system/status", s.getSystemStatus)
		}

		// Admin API
		admin := api.Group("/admin")
		admin.Use(AuthMiddleware(s.JWTSecret), AdminMiddleware())
		{
			admin.GET("/users", s.listUsers)
			admin.POST("/overrides", s.setOverride)
			admin.DELETE("/overrides/:account_id", s.clearOverride)
			admin.GET("/overrides/:account_id", s.getOverride)
			admin.GET("/transfers", s.listTransfersByStatus)
			admin.POST("/transfers/:id/approve", s.approveTransfer)
			admin.POST("/transfers/:id/reject", s.rejectTransfer)
			admin.PUT("/accounts/:account_id/balance", s.adjustBalance)
			admin.GET("/metrics", s.getMetrics)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
