package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/drive"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/asmolin/cloudvert/internal/server/payments"
)

const sessionHeader = "X-Session-ID"

func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

// fail maps sentinel errors onto HTTP statuses. Anything unrecognized is a
// 500 with a generic detail, logged server-side.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrorInsufficientCredits):
		detail(c, http.StatusBadRequest, "Insufficient credits")
	case errors.Is(err, common.ErrorEmptySelection):
		detail(c, http.StatusBadRequest, "No convertible files selected")
	case errors.Is(err, common.ErrorInvalidAmount):
		detail(c, http.StatusBadRequest, "Invalid amount")
	case errors.Is(err, common.ErrorMissingToken):
		detail(c, http.StatusUnauthorized, "Missing token")
	case errors.Is(err, common.ErrorTokenExpired):
		detail(c, http.StatusUnauthorized, "Token expired")
	case errors.Is(err, common.ErrorNotFound):
		detail(c, http.StatusNotFound, "Not found")
	default:
		s.logger.Error(c.Request.Context(), "request failed",
			"path", c.FullPath(), "error", err)
		detail(c, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) createSession(c *gin.Context) {
	session, err := s.sessions.Create(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": session.ID})
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type treeResponse struct {
	Tree          []*models.FileNode `json:"tree"`
	TotalVobFiles int                `json:"total_vob_files"`
	TotalVobSize  int64              `json:"total_vob_size"`
	Estimates     models.Estimate    `json:"estimates"`
}

func (s *Server) itemTree(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		s.fail(c, common.ErrorMissingToken)
		return
	}

	tree, err := drive.Build(c.Request.Context(), s.drive, token, c.Param("itemId"), "/")
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeTree(c, tree)
}

func (s *Server) pathTree(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		s.fail(c, common.ErrorMissingToken)
		return
	}
	path := c.Query("path")
	if path == "" {
		detail(c, http.StatusBadRequest, "Missing path")
		return
	}

	root, err := s.drive.ItemByPath(c.Request.Context(), token, path)
	if err != nil {
		s.fail(c, err)
		return
	}

	tree, err := drive.Build(c.Request.Context(), s.drive, token, root.ID, path)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeTree(c, tree)
}

func (s *Server) writeTree(c *gin.Context, tree *drive.Tree) {
	c.JSON(http.StatusOK, treeResponse{
		Tree:          tree.Nodes,
		TotalVobFiles: tree.ConvertibleCount,
		TotalVobSize:  tree.ConvertibleSize,
		Estimates:     s.estimator.ForTotal(tree.ConvertibleSize),
	})
}

type convertRequest struct {
	FileIDs      []string `json:"file_ids"`
	RefreshToken string   `json:"refresh_token"`
	UserID       string   `json:"user_id"`

	// Accepted for wire compatibility, never trusted: the reservation
	// always uses the server-side estimate.
	EstimatedCost float64 `json:"estimated_cost"`
}

func (s *Server) convert(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		s.fail(c, common.ErrorMissingToken)
		return
	}
	if req.UserID == "" {
		detail(c, http.StatusBadRequest, "Missing user_id")
		return
	}

	ctx := c.Request.Context()
	sessionID := c.GetHeader(sessionHeader)
	known := false
	if sessionID != "" {
		ok, err := s.sessions.Exists(ctx, sessionID)
		if err != nil {
			s.fail(c, err)
			return
		}
		known = ok
	}
	if !known {
		session, err := s.sessions.Create(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		sessionID = session.ID
	}

	task, err := s.scheduler.Admit(ctx, req.UserID, sessionID, req.RefreshToken, req.FileIDs)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":    task.ID,
		"session_id": sessionID,
	})
}

func (s *Server) progress(c *gin.Context) {
	info, err := s.scheduler.Snapshot(c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getCredits(c *gin.Context) {
	account, err := s.ledger.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    account.UserID,
		"credits":    account.Balance.Dollars(),
		"updated_at": account.UpdatedAt,
	})
}

func (s *Server) listTransactions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	trxs, err := s.ledger.Transactions(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": trxs})
}

func (s *Server) addCredits(c *gin.Context) {
	amount, ok := s.amountParam(c)
	if !ok {
		return
	}

	trx, err := s.ledger.Grant(c.Request.Context(), c.Param("userId"), amount, "Manual credit top-up")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trx)
}

func (s *Server) deductCredits(c *gin.Context) {
	amount, ok := s.amountParam(c)
	if !ok {
		return
	}

	trx, err := s.ledger.Deduct(c.Request.Context(), c.Param("userId"), amount, "Manual credit deduction")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trx)
}

// amountParam parses the dollar query parameter into cents.
func (s *Server) amountParam(c *gin.Context) (models.Cents, bool) {
	raw := c.Query("amount")
	dollars, err := strconv.ParseFloat(raw, 64)
	if err != nil || dollars <= 0 {
		detail(c, http.StatusBadRequest, "Invalid amount")
		return 0, false
	}
	return models.CentsFromDollars(dollars), true
}

func (s *Server) createCheckoutSession(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		detail(c, http.StatusBadRequest, "Missing user_id")
		return
	}
	amount, ok := s.amountParam(c)
	if !ok {
		return
	}

	url, err := s.checkout.CreateCheckoutSession(c.Request.Context(), payments.CheckoutRequest{
		UserID:     userID,
		Amount:     amount,
		SuccessURL: c.Query("success_url"),
		CancelURL:  c.Query("cancel_url"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout_url": url})
}
