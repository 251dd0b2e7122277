package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type requestLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerMiddleware logs every served request: server errors at error level, client errors at warn level
func LoggerMiddleware(l requestLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			start := time.Now()
			next.ServeHTTP(ww, r)
			duration := time.Since(start)

			status := responseStatus(ww)

			log := l.Info
			switch {
			case status >= http.StatusInternalServerError:
				log = l.Error
			case status >= http.StatusBadRequest:
				log = l.Warn
			}

			log(
				"HTTP request served",
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"route", routePattern(r),
				"uri", r.RequestURI,
				"status", status,
				"size", ww.BytesWritten(),
				"duration", duration,
			)
		})
	}
}
