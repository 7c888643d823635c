package middleware

import (
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error using the
// errutil envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.From(last.Err)
		if be.Code == errutil.StatusInternal {
			logger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(last.Err),
			)
			be.Message = "internal error"
		}

		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}

// AccessLog writes one zap line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.FromContext(c.Request.Context()).Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
