package httpapi

import (
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/health"
	"engagement-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		middleware.NewAuthenticator,
		NewEngine,
		NewAPIGroup,
	),
)

// APIGroup is the authenticated /api/v1 router every service registers on.
type APIGroup struct {
	*gin.RouterGroup
}

type EngineParams struct {
	fx.In
	Config *config.Config
	Health health.HealthService
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		otelgin.Middleware(p.Config.AppName),
		middleware.AccessLog(),
		middleware.Error(),
	)

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func NewAPIGroup(r *gin.Engine, auth *middleware.Authenticator) APIGroup {
	return APIGroup{RouterGroup: r.Group("/api/v1", auth.Auth())}
}
