package middleware

import (
	"net/http"
	"time"

	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/pkg/logger"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed runs first
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// ErrorRecorder receives the code of every locally generated error
type ErrorRecorder interface {
	IncrementErrors(code string)
}

// Reject answers a request with err and moves it to the Failed state
func Reject(w http.ResponseWriter, r *http.Request, recorder ErrorRecorder, err error) {
	rc, _ := domain.RequestContextFrom(r.Context())
	requestID := ""
	if rc != nil {
		requestID = rc.RequestID
		_ = rc.Transition(domain.StateFailed)
	}
	if recorder != nil {
		recorder.IncrementErrors(string(lberrors.GetErrorCode(err)))
	}
	lberrors.WriteHTTP(w, requestID, err)
}

// LoggingMiddleware attaches a RequestContext to every request and logs
// its completion
func LoggingMiddleware(logger *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCtx, r := domain.EnsureRequestContext(r)

			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			requestLogger := logger.RequestLogger(
				requestCtx.RequestID,
				requestCtx.Method,
				requestCtx.Host,
				requestCtx.Path,
				requestCtx.RemoteAddr,
			)
			requestLogger.Debug("Request started")

			next.ServeHTTP(wrappedWriter, r)

			logEntry := requestLogger.WithFields(map[string]interface{}{
				"status_code":   wrappedWriter.statusCode,
				"duration_ms":   time.Since(requestCtx.StartTime).Milliseconds(),
				"response_size": wrappedWriter.size,
				"state":         requestCtx.State.String(),
				"retries":       requestCtx.Retries,
			})
			if requestCtx.NodeName != "" {
				logEntry = logEntry.WithField("node", requestCtx.Domain+"/"+requestCtx.NodeName)
			}

			switch {
			case wrappedWriter.statusCode >= 500:
				logEntry.Error("Request completed with error")
			case wrappedWriter.statusCode >= 400:
				logEntry.Warn("Request completed with warning")
			default:
				logEntry.Info("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader && code >= 200 {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RecoveryMiddleware provides panic recovery with logging. http.ErrAbortHandler
// is re-raised so the server drops the connection of a response that failed
// mid-stream.
func RecoveryMiddleware(logger *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}

				requestCtx, _ := domain.RequestContextFrom(r.Context())
				var requestID string
				if requestCtx != nil {
					requestID = requestCtx.RequestID
				}

				if err == http.ErrAbortHandler {
					logger.WithField("request_id", requestID).Debug("Response aborted mid-stream")
					panic(err)
				}

				logger.WithFields(map[string]interface{}{
					"request_id": requestID,
					"path":       r.URL.Path,
					"method":     r.Method,
					"panic":      err,
				}).Error("Panic recovered in request handler")

				lberrors.WriteHTTP(w, requestID, lberrors.NewError(lberrors.ErrCodeInternalError, "recovery", "internal server error"))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
