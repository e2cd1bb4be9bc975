package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/godeps/reborn-go/pkg/auth"
	"github.com/godeps/reborn-go/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Names and priorities of the built-in middlewares.
const (
	NameBearer    = "bearer"
	NameTelemetry = "telemetry"
	NameLogging   = "logging"

	PriorityBearer    = 100
	PriorityTelemetry = 200
	PriorityLogging   = 300
)

// Paths reachable without a bearer token.
var publicPaths = map[string]struct{}{
	"/api/auth/send-code":   {},
	"/api/auth/verify-code": {},
}

// BearerAuth attaches the session token and, when the server answers 401,
// clears the session if it still holds the token that was rejected. Without a token the Authorization header is removed
// rather than left stale.
func BearerAuth(session *auth.Session) Middleware {
	return NewMiddleware(NameBearer, PriorityBearer, func(ctx context.Context, req *http.Request, next Handler) (*http.Response, error) {
		req.Header.Del("Authorization")
		var sent string
		if _, public := publicPaths[req.URL.Path]; !public && session != nil {
			if token, ok := session.Token(); ok {
				sent = token
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		resp, err := next(ctx, req)
		if err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized && sent != "" {
			// a failing token store must not hide the 401 from the caller
			_, _ = session.ClearIf(context.WithoutCancel(ctx), sent)
		}
		return resp, err
	})
}

// Telemetry opens a client span per request and records request metrics.
// Latency covers the exchange up to response headers.
func Telemetry(mgr *telemetry.Manager) Middleware {
	return NewMiddleware(NameTelemetry, PriorityTelemetry, func(ctx context.Context, req *http.Request, next Handler) (*http.Response, error) {
		start := time.Now()
		route := req.URL.Path
		ctx, span := startSpan(mgr, ctx, req.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.path", route),
			),
		)
		resp, err := next(ctx, req.WithContext(ctx))
		data := telemetry.HTTPData{Method: req.Method, Route: route, Duration: time.Since(start), Error: err}
		if resp != nil {
			data.Status = resp.StatusCode
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		}
		if mgr != nil {
			mgr.RecordHTTP(ctx, data)
		} else {
			telemetry.RecordHTTP(ctx, data)
		}
		telemetry.EndSpan(span, err)
		return resp, err
	})
}

func startSpan(mgr *telemetry.Manager, ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if mgr != nil {
		return mgr.StartSpan(ctx, name, opts...)
	}
	return telemetry.StartSpan(ctx, name, opts...)
}

// Logging writes one debug line per request. Credentials never reach the
// log: only whether a token was attached is recorded.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewMiddleware(NameLogging, PriorityLogging, func(ctx context.Context, req *http.Request, next Handler) (*http.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Bool("authenticated", req.Header.Get("Authorization") != ""),
			zap.Duration("elapsed", time.Since(start)),
		}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		if err != nil {
			fields = append(fields, zap.String("error", telemetry.MaskText(err.Error())))
			logger.Debug("http request failed", fields...)
			return resp, err
		}
		logger.Debug("http request", fields...)
		return resp, err
	})
}
