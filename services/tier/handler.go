package tier

import (
	"net/http"

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
	g := api.Group("/tiers")
	g.GET("", middleware.Require(h.policy, authz.ActionRead), h.List)
	g.PUT("/:tier", h.Set)
}

func (h *Handler) List(c *gin.Context) {
	rules, err := h.svc.ListRules(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules})
}

// Set leaves authorization to the service so every caller of SetRule goes
// through the same check.
func (h *Handler) Set(c *gin.Context) {
	var rule Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		_ = c.Error(errutil.Kind(errutil.ErrInvalidRule, errutil.WithErr(err)))
		return
	}

	out, err := h.svc.SetRule(c.Request.Context(), middleware.Principal(c), c.Param("tier"), rule)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
