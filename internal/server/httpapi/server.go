// Package httpapi exposes the HTTP/JSON surface: sessions, drive tree
// listings, conversion admission, progress polling, and the credit
// endpoints. Errors reach the client as {"detail": "..."} payloads.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/asmolin/cloudvert/internal/logging"
	"github.com/asmolin/cloudvert/internal/server/drive"
	"github.com/asmolin/cloudvert/internal/server/estimate"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/asmolin/cloudvert/internal/server/payments"
	"github.com/asmolin/cloudvert/internal/server/sessions"
)

// Ledger is the credit surface the HTTP layer needs.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error)
	Grant(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error)
	Deduct(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// Scheduler admits conversion tasks and serves their progress snapshots.
type Scheduler interface {
	Admit(ctx context.Context, userID, sessionID, token string, fileIDs []string) (*models.ConversionTask, error)
	Snapshot(taskID string) (models.ProgressInfo, error)
}

// Server wires the handlers to their collaborators.
type Server struct {
	sessions  sessions.Store
	drive     drive.Drive
	scheduler Scheduler
	ledger    Ledger
	estimator *estimate.Engine
	checkout  payments.CheckoutProvider
	logger    logging.Logger
}

func NewServer(
	store sessions.Store,
	d drive.Drive,
	sched Scheduler,
	ledger Ledger,
	estimator *estimate.Engine,
	checkout payments.CheckoutProvider,
	logger logging.Logger,
) *Server {
	return &Server{
		sessions:  store,
		drive:     d,
		scheduler: sched,
		ledger:    ledger,
		estimator: estimator,
		checkout:  checkout,
		logger:    logger,
	}
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/session", s.createSession)
	router.DELETE("/session/:id", s.deleteSession)

	router.GET("/items/:itemId/tree", s.itemTree)
	router.GET("/path/tree", s.pathTree)

	router.POST("/convert", s.convert)
	router.GET("/progress/:taskId", s.progress)

	router.GET("/credits/:userId", s.getCredits)
	router.GET("/credits/:userId/transactions", s.listTransactions)
	router.POST("/credits/:userId/add", s.addCredits)
	router.POST("/credits/:userId/deduct", s.deductCredits)

	router.POST("/payments/create-checkout-session", s.createCheckoutSession)

	return router
}
