package logging

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Config selects the level, formatter and sink of the process logger.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// New builds a logrus logger. Unknown levels fall back to info, any format
// other than "json" renders text.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Output != nil {
		log.SetOutput(cfg.Output)
	} else {
		log.SetOutput(os.Stdout)
	}
	log.SetLevel(ParseLevel(cfg.Level))
	return log
}

// ParseLevel maps a configured level name onto logrus, defaulting to info.
func ParseLevel(raw string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Component returns a child logger tagged with the owning subsystem.
func Component(base logrus.FieldLogger, name string) logrus.FieldLogger {
	if base == nil {
		base = Discard()
	}
	return base.WithField("component", name)
}

// Discard returns a logger that drops everything. Used as a nil default.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// HTTPMiddleware logs one line per request with the chi request id attached.
func HTTPMiddleware(base logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := base.WithFields(logrus.Fields{
				"http_method": r.Method,
				"http_path":   r.URL.Path,
				"http_status": ww.Status(),
				"duration":    time.Since(start).String(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Error("http request failed")
				return
			}
			entry.Debug("http request completed")
		})
	}
}
