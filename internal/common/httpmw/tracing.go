package httpmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/constellation-dev/bridge/internal/common/tracing"
)

// untracedRoutes are polled by probes and scrapers.
var untracedRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// OtelTracing starts a server span per request. Routes carrying a
// :projectId parameter tag the span with it. No-op unless tracing is enabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if untracedRoutes[route] || !tracing.Enabled() {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()
		if projectID := c.Param("projectId"); projectID != "" {
			span.SetAttributes(attribute.String("bridge.project_id", projectID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		}
	}
}
