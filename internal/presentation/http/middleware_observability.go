package httppresentation

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/callctx"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerRequestID = "X-Request-ID"
	headerTenantID  = "X-Tenant-ID"
	headerUserName  = "X-User-Name"
	headerReason    = "X-Reason"
	headerComment   = "X-Comment"
)

// route returns gin's matched template, which keeps metric labels low-cardinality.
func route(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unknown"
}

// withTrace extracts W3C trace context and opens a server span for the request.
func (h *Handler) withTrace() gin.HandlerFunc {
	tracer := otel.Tracer("directpay.http")
	return func(c *gin.Context) {
		r := c.Request
		parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(parent, r.Method+" "+route(c),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route(c)),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		c.Request = r.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// withRequestContext injects the request-scoped logger and the caller identity.
// Dynamic fields only: request id, tenant, trace ids.
func (h *Handler) withRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request
		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		cc := callctx.CallContext{
			TenantID:  r.Header.Get(headerTenantID),
			UserName:  r.Header.Get(headerUserName),
			RequestID: rid,
			Reason:    r.Header.Get(headerReason),
			Comment:   r.Header.Get(headerComment),
		}

		fields := []observability.Field{observability.F("request_id", rid)}
		if cc.TenantID != "" {
			fields = append(fields, observability.F("tenant_id", cc.TenantID))
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		ctx := logctx.With(r.Context(), h.log.With(fields...))
		ctx = callctx.With(ctx, cc)
		c.Request = r.WithContext(ctx)
		c.Next()
	}
}

// withHTTPMetrics records RED metrics on the instruments resolved at construction.
func (h *Handler) withHTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		labels := []observability.Label{
			observability.L("method", c.Request.Method),
			observability.L("route", route(c)),
			observability.L("status", strconv.Itoa(c.Writer.Status())),
		}
		h.httpRequests.Add(1, labels...)
		h.httpDuration.Observe(time.Since(start).Seconds(), labels...)
	}
}

// withAccessLog writes a single access log after the handler completes.
func (h *Handler) withAccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logctx.FromOr(c.Request.Context(), h.log).Info("http_access",
			observability.F("method", c.Request.Method),
			observability.F("route", route(c)),
			observability.F("path", c.Request.URL.Path),
			observability.F("status", c.Writer.Status()),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	}
}

// withRecovery turns a handler panic into a 500 and logs the stack.
func (h *Handler) withRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logctx.FromOr(c.Request.Context(), h.log).Error("http_handler_panic",
					observability.F("panic", fmt.Sprint(r)),
					observability.F("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorBody{Kind: "INTERNAL", Message: "internal error"}})
			}
		}()
		c.Next()
	}
}
