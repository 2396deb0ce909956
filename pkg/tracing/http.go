package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// untracedPaths are polled by infrastructure and would drown real traces.
var untracedPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// GinMiddleware starts a server span per request, skipping health and metrics endpoints.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			_, skip := untracedPaths[r.URL.Path]
			return !skip
		}),
	)
}
