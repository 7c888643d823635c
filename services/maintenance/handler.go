package maintenance

import (
	"net/http"

	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func registerRoutes(api httpapi.APIGroup, h *Handler) {
	api.GET("/maintenance", h.List)
}

func (h *Handler) List(c *gin.Context) {
	states, err := h.svc.List(c.Request.Context(), middleware.Principal(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": states})
}
