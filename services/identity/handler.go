package identity

import (
	"net/http"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/db/pagination"
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
	g := api.Group("/connections")
	g.POST("", h.Link)
	g.GET("", middleware.Require(h.policy, authz.ActionRead), h.List)
	g.GET("/by-handle/:handle", middleware.Require(h.policy, authz.ActionRead), h.GetByHandle)
	g.GET("/:messaging_id", middleware.Require(h.policy, authz.ActionRead), h.Get)
	g.PUT("/:messaging_id/tier", middleware.Require(h.policy, authz.ActionAssignTier), h.SetTier)
	g.DELETE("/:messaging_id", h.Unlink)
}

type linkRequest struct {
	MessagingID  string `json:"messaging_id"`
	SocialHandle string `json:"social_handle" binding:"required"`
	Tier         string `json:"tier"`
}

type setTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// authorizeTarget lets callers act on their own connection with the self
// action and on anyone else's only with the elevated one.
func (h *Handler) authorizeTarget(p authz.Principal, target string) error {
	if target == p.Subject {
		return h.policy.Authorize(p, authz.ActionLinkSelf)
	}
	return h.policy.Authorize(p, authz.ActionLinkAny)
}

func (h *Handler) Link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithErr(err)))
		return
	}

	p := middleware.Principal(c)
	if req.MessagingID == "" {
		req.MessagingID = p.Subject
	}
	if err := h.authorizeTarget(p, req.MessagingID); err != nil {
		_ = c.Error(err)
		return
	}
	if req.Tier != "" {
		if err := h.policy.Authorize(p, authz.ActionAssignTier); err != nil {
			_ = c.Error(err)
			return
		}
	}

	conn, err := h.svc.Link(c.Request.Context(), req.MessagingID, req.SocialHandle, req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) Get(c *gin.Context) {
	conn, err := h.svc.Resolve(c.Request.Context(), c.Param("messaging_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) GetByHandle(c *gin.Context) {
	conn, err := h.svc.ResolveBySocialHandle(c.Request.Context(), c.Param("handle"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) SetTier(c *gin.Context) {
	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithErr(err)))
		return
	}

	conn, err := h.svc.SetTier(c.Request.Context(), c.Param("messaging_id"), req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) Unlink(c *gin.Context) {
	target := c.Param("messaging_id")
	if err := h.authorizeTarget(middleware.Principal(c), target); err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.svc.Unlink(c.Request.Context(), target); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) List(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithErr(err)))
		return
	}

	conns, info, err := h.svc.List(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conns, "page_info": info})
}
