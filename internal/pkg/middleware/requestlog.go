package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// GenerateRequestID generates a short unique request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger assigns a request ID (reusing an incoming X-Request-ID) and
// logs one line per request once the handler returns.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = GenerateRequestID()
			}
			w.Header().Set(RequestIDHeader, reqID)
			ctx := context.WithValue(r.Context(), logger.RequestIDKey, reqID)

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			log.WithContext(ctx).Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"client", ClientIP(r),
				"duration", time.Since(start),
			)
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
