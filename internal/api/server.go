package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/generator"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/logging"
	"github.com/imamik/vmpilot/internal/metrics"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
)

// Plans is the orchestrator surface the API drives.
type Plans interface {
	Submit(ctx context.Context, req deployment.Request) (string, error)
	Status(planID string) (orchestrator.Status, error)
	List() []orchestrator.Status
	Cancel(ctx context.Context, planID string) error
}

// Approvals resolves suspended plans. *escalation.Broker implements it.
type Approvals interface {
	Approve(requestID, reviewer, reason string) error
	Deny(requestID, reviewer, reason string) error
	Pending() []escalation.Pending
}

// Reservations is the read side of the ledger.
type Reservations interface {
	Snapshot() []ledger.Reservation
	Capacity() map[deployment.IdentifierClass]int
}

// AuditLog reads a request's trail.
type AuditLog interface {
	ByRequest(ctx context.Context, requestID string) ([]audit.Entry, error)
}

// Drafter turns prompts into requests.
type Drafter interface {
	Draft(ctx context.Context, p generator.Prompt) (deployment.Request, error)
}

// Inventory lists registered machines. The hcloud adapter implements it.
type Inventory interface {
	Inventory(ctx context.Context, requestID string) ([]remote.Handle, error)
}

// Deps are the collaborators of a Server. Drafter and Inventory are optional;
// their routes answer 501 without them.
type Deps struct {
	Plans        Plans
	Approvals    Approvals
	Reservations Reservations
	Audit        AuditLog
	Drafter      Drafter
	Inventory    Inventory
	Logger       *slog.Logger
}

// Server serves the control surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the server and its routes.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Plans == nil:
		return nil, errors.New("api: plans are required")
	case deps.Approvals == nil:
		return nil, errors.New("api: approvals are required")
	case deps.Reservations == nil:
		return nil, errors.New("api: reservations are required")
	case deps.Audit == nil:
		return nil, errors.New("api: audit log is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(
		gin.RecoveryWithWriter(logging.NewWriter(logger, slog.LevelError, "panic recovered")),
		requestLogger(logger),
	)
	s := &Server{deps: deps, logger: logger, engine: engine}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/v1")
	{
		plans := v1.Group("/plans")
		plans.POST("", s.submitPlan)
		plans.GET("", s.listPlans)
		plans.GET("/:id", s.getPlan)
		plans.POST("/:id/cancel", s.cancelPlan)
		plans.POST("/:id/approve", s.approvePlan)
		plans.POST("/:id/deny", s.denyPlan)
		plans.GET("/:id/audit", s.planAudit)

		v1.GET("/escalations", s.listEscalations)
		v1.GET("/reservations", s.listReservations)
		v1.GET("/inventory", s.listInventory)
		v1.POST("/drafts", s.createDraft)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
