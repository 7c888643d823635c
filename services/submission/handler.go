package submission

import (
	"net/http"
	"strconv"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// recentWindow bounds GET /submissions when no since is given.
const recentWindow = 7 * 24 * time.Hour

type Handler struct {
	svc    *Service
	policy authz.Policy
}

func NewHandler(svc *Service, policy authz.Policy) *Handler {
	return &Handler{svc: svc, policy: policy}
}

func registerRoutes(api httpapi.APIGroup, h *Handler) {
	g := api.Group("/submissions")
	g.POST("", middleware.Require(h.policy, authz.ActionSubmit), h.Submit)
	g.POST("/:id/withdraw", middleware.Require(h.policy, authz.ActionSubmit), h.Withdraw)
	g.GET("", middleware.Require(h.policy, authz.ActionRead), h.ListRecent)
	g.GET("/:id", middleware.Require(h.policy, authz.ActionRead), h.Get)
}

type submitRequest struct {
	ExternalPostID string `json:"external_post_id" binding:"required"`
	Category       string `json:"category"`
}

func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithErr(err)))
		return
	}

	sub, err := h.svc.Submit(c.Request.Context(), middleware.Principal(c).Subject, req.ExternalPostID, req.Category)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) Withdraw(c *gin.Context) {
	sub, err := h.svc.Withdraw(c.Request.Context(), middleware.Principal(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) Get(c *gin.Context) {
	sub, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListRecent(c *gin.Context) {
	since := time.Now().Add(-recentWindow)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "since", Message: "expected an RFC 3339 timestamp",
			})))
			return
		}
		since = t
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "limit", Message: "limit must be an integer",
			})))
			return
		}
		limit = n
	}

	subs, err := h.svc.ListRecent(c.Request.Context(), limit, since)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subs})
}
