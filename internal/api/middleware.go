package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TenantIDHeader carries the tenant every record and ring belongs to.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is echoed back, or generated when absent.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader exposes the trace id of the request span.
	TraceIDHeader = "X-Trace-ID"
)

// tenantPattern keeps tenant ids usable as cache keys and bus subjects.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type metaKey struct{}

// requestMeta is filled in as a request passes through the middleware chain.
type requestMeta struct {
	RequestID string
	TraceID   string
	TenantID  string
}

func metaFrom(ctx context.Context) *requestMeta {
	if m, ok := ctx.Value(metaKey{}).(*requestMeta); ok {
		return m
	}
	return &requestMeta{}
}

// withMeta returns ctx carrying a requestMeta, reusing an existing one.
func withMeta(ctx context.Context) (context.Context, *requestMeta) {
	if m, ok := ctx.Value(metaKey{}).(*requestMeta); ok {
		return ctx, m
	}
	m := &requestMeta{}
	return context.WithValue(ctx, metaKey{}, m), m
}

// TenantMiddleware requires a well-formed X-Tenant-ID header.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		switch {
		case tenantID == "":
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		case !tenantPattern.MatchString(tenantID):
			writeError(w, http.StatusBadRequest, "X-Tenant-ID must be 1-64 letters, digits, '-' or '_'")
			return
		}

		ctx, m := withMeta(r.Context())
		m.TenantID = tenantID
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TracingMiddleware opens a server span per request and exposes its ids.
// Without an installed tracer provider the request id doubles as trace id.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, m := withMeta(r.Context())
		m.RequestID = r.Header.Get(RequestIDHeader)
		if m.RequestID == "" {
			m.RequestID = uuid.New().String()
		}

		ctx, span := telemetry.Tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", m.RequestID),
			),
		)
		defer span.End()

		m.TraceID = m.RequestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			m.TraceID = sc.TraceID().String()
		}
		w.Header().Set(RequestIDHeader, m.RequestID)
		w.Header().Set(TraceIDHeader, m.TraceID)

		rw := wrap(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rw.status))
		if m.TenantID != "" {
			span.SetAttributes(attribute.String("tenant_id", m.TenantID))
		}
		if rw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
		}
	})
}

// LoggingMiddleware logs each request and records its latency under the
// matched route pattern.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, m := withMeta(r.Context())
		rw := wrap(w)

		next.ServeHTTP(rw, r.WithContext(ctx))

		elapsed := time.Since(start)
		route := routePattern(r)
		telemetry.RecordHTTP(r.Method, route, rw.status, elapsed)

		level := slog.LevelInfo
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "http request",
			"method", r.Method,
			"route", route,
			"status", rw.status,
			"bytes", rw.written,
			"duration_ms", elapsed.Milliseconds(),
			"tenant_id", m.TenantID,
			"request_id", m.RequestID,
		)
	})
}

// CORS answers preflights and tags responses for browser dashboards.
// An empty allow list admits any origin.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
				origin = "*"
			case len(allowed) > 0 && !slices.Contains(allowed, origin):
				origin = ""
			}

			if origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
				h.Set("Access-Control-Allow-Headers", strings.Join([]string{
					"Content-Type", TenantIDHeader, RequestIDHeader, TraceIDHeader, "Authorization",
				}, ", "))
				h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
				h.Set("Access-Control-Max-Age", "86400")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic recovered",
					"panic", p,
					"path", r.URL.Path,
					"request_id", metaFrom(r.Context()).RequestID,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

// wrap reuses an existing recorder so nested middleware agree on status.
func wrap(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.status, rec.wroteHeader = code, true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.written += n
	return n, err
}

// routePattern returns the chi pattern ("/rings/{id}") so metric labels
// stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// GetTenantID returns the tenant set by TenantMiddleware.
func GetTenantID(ctx context.Context) string {
	return metaFrom(ctx).TenantID
}

// GetTraceID returns the trace id set by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	return metaFrom(ctx).TraceID
}
