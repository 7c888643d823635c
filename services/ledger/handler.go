package ledger

import (
	"net/http"
	"strconv"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc    *Service
	policy authz.Policy
}

func NewHandler(svc *Service, policy authz.Policy) *Handler {
	return &Handler{svc: svc, policy: policy}
}

func registerRoutes(api httpapi.APIGroup, h *Handler) {
	read := middleware.Require(h.policy, authz.ActionRead)

	api.GET("/balances/:user_id", read, h.GetBalance)
	api.GET("/balances/:user_id/transactions", read, h.ListTransactions)
	api.GET("/balances/:user_id/verify", middleware.Require(h.policy, authz.ActionAuditLedger), h.Verify)
	api.GET("/leaderboard", read, h.Leaderboard)
	api.POST("/adjustments", h.Adjust)
}

type adjustRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Delta  int64  `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "limit", Message: "limit must be a positive integer",
		}))
	}
	return n, nil
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("user_id")
	total, err := h.svc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "total_points": total})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	txns, err := h.svc.GetRecentTransactions(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txns})
}

func (h *Handler) Verify(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) Leaderboard(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	entries, err := h.svc.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithErr(err)))
		return
	}

	txn, err := h.svc.AdjustPoints(c.Request.Context(), middleware.Principal(c),
		req.UserID, req.Delta, req.Reason, c.GetHeader("Idempotency-Key"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}
