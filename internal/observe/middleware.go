package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// QuietPaths logs requests to the given paths, and anything nested under
// them, at debug level. Use it for scrapes and probes.
func QuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, paths...) }
}

// SessionFrom tags every request with the live session current at the time
// it is served. fn returns "" while no session is running.
func SessionFrom(fn func() string) MiddlewareOption {
	return func(mw *middleware) { mw.session = fn }
}

type middleware struct {
	metrics *Metrics
	quiet   []string
	session func() string
	prop    propagation.TraceContext
}

// Middleware wraps the status server's handlers. Each request continues any
// W3C trace context it carries, gets a server span, an X-Correlation-ID
// response header and a duration sample on [Metrics.HTTPRequestDuration].
// With [SessionFrom], the span, the log line and the X-Session-ID header
// name the running session.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := r.URL.Path

	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLPath(path),
	}
	var sessionID string
	if mw.session != nil {
		sessionID = mw.session()
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
		w.Header().Set("X-Session-ID", sessionID)
	}

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	next.ServeHTTP(rec, r.WithContext(ctx))

	elapsed := time.Since(start)
	mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", path),
		),
	)
	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

	level := slog.LevelInfo
	if isQuiet(path, mw.quiet) {
		level = slog.LevelDebug
	}
	Logger(ctx).LogAttrs(ctx, level, "request completed",
		slog.String("method", r.Method),
		slog.String("path", path),
		slog.Int("status", rec.statusCode),
		slog.Duration("duration", elapsed),
	)
}

// isQuiet reports whether path equals or is nested under one of prefixes.
func isQuiet(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
