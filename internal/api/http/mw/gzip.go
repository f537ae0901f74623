package mw

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type GzipMiddleware struct {
	Level  int // gzip.BestSpeed ... gzip.BestCompression
	Logger *zap.SugaredLogger
	pool   sync.Pool
}

func NewGzip(level int, log *zap.SugaredLogger) *GzipMiddleware {
	if level == 0 {
		level = gzip.BestSpeed
	}
	m := &GzipMiddleware{Level: level, Logger: log}
	m.pool.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, m.Level)
		if err != nil {
			w = gzip.NewWriter(io.Discard)
		}
		return w
	}
	return m
}

func (m *GzipMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client not support gzip
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		// already encoded upstream of us
		if enc := w.Header().Get("Content-Encoding"); enc != "" {
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.Header.Get("Accept"), "text/event-stream") {
			next.ServeHTTP(w, r)
			return
		}

		gzw := m.pool.Get().(*gzip.Writer)
		defer m.pool.Put(gzw)
		gzw.Reset(w)

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")

		grw := &gzipResponseWriter{ResponseWriter: w, Writer: gzw}
		next.ServeHTTP(grw, r)

		if err := gzw.Close(); err != nil {
			m.Logger.Errorf("failed to close gzip writer: %v", err)
		}
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	io.Writer
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	// length of the compressed body is unknown
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", http.DetectContentType(b))
	}
	w.Header().Del("Content-Length")
	return w.Writer.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if f, ok := w.Writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}

	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
