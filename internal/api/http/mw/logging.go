package mw

import (
	"net/http"
	"strconv"
	"time"

	"referralfees/internal/metrics"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type LoggingMiddleware struct {
	Log     *zap.SugaredLogger
	Metrics *metrics.Metrics
}

func NewLogging(log *zap.SugaredLogger, m *metrics.Metrics) *LoggingMiddleware {
	return &LoggingMiddleware{Log: log, Metrics: m}
}

func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingRW{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)

		dur := time.Since(start)

		if m.Metrics != nil {
			m.Metrics.HTTPRequests.WithLabelValues(strconv.Itoa(lrw.status)).Inc()
		}

		m.Log.Infow("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"size", lrw.size,
			"dur_ms", dur.Milliseconds(),
			"ip", r.RemoteAddr,
			"ua", r.UserAgent(),
			"req_id", middleware.GetReqID(r.Context()),
		)
	})
}

type loggingRW struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *loggingRW) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingRW) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}
