// Package middleware holds the gin middleware shared by bucketflow's HTTP
// surface.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bucketflow/internal/logger"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates X-Request-ID, minting one when absent. The ID becomes
// the trace ID of log lines written while serving the request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

// Recovery answers 500 with an INTERNAL_ERROR body when a route panics.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := pkgerrors.RecoverPanic(recovered)
		log.ErrorwCtx(c.Request.Context(), "panic serving request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, pkgerrors.ToErrorResponse(
			pkgerrors.ErrInternal.WithMessage("internal server error")))
	})
}

// AccessLog writes one line per request. Requests for skipPaths are only
// logged when they fail.
func AccessLog(log logger.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if _, ok := skip[c.Request.URL.Path]; ok && status < http.StatusInternalServerError {
			return
		}

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, "error", errs)
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			log.ErrorwCtx(ctx, "request", fields...)
		case status >= http.StatusBadRequest:
			log.WarnwCtx(ctx, "request", fields...)
		default:
			log.InfowCtx(ctx, "request", fields...)
		}
	}
}
