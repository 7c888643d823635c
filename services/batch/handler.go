package batch

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
	worker *Worker
	policy authz.Policy
}

func NewHandler(svc *Service, worker *Worker, policy authz.Policy) *Handler {
	return &Handler{svc: svc, worker: worker, policy: policy}
}

func registerRoutes(api httpapi.APIGroup, h *Handler) {
	g := api.Group("/jobs")
	g.POST("", h.Create)
	g.GET("", middleware.Require(h.policy, authz.ActionRead), h.List)
	g.GET("/:id", middleware.Require(h.policy, authz.ActionRead), h.Get)
}

// Create records a job and queues it. The response is 202: the job runs
// asynchronously.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.svc.CreateJob(ctx, middleware.Principal(c), TriggerAPI)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.worker.Dispatch(ctx, job)
	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "limit", Message: "must be an integer",
			})))
			return
		}
		limit = n
	}

	jobs, err := h.svc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func (h *Handler) Get(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}
