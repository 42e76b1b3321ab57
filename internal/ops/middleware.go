package ops

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// statusWriter wraps http.ResponseWriter to capture the status code and
// byte count written, for structured request logging.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// requestLogger logs one structured line per request to the loopback ops
// surface — this traffic is low-volume diagnostics, not the hot path, so a
// log line per request is cheap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusWriter(w)

		next.ServeHTTP(sw, r)

		event := log.Info()
		if sw.statusCode >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.statusCode).
			Int("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Msg("ops request")
	})
}
