package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/config"
)

// LoggingMiddleware wraps handlers with access logging.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Uploads are sized by the request, everything else by the response.
			var requestBytes int64
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			bytesLogged := rw.bytesWritten
			if requestBytes > 0 {
				bytesLogged = requestBytes
			}

			entry := createLogEntry(r, rw, time.Since(start), bytesLogged, cfg)
			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LogEntry is one access log record.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	RequestID  string            `json:"request_id,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Range      string            `json:"range,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, bytesLogged int64, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		RequestID:  audit.RequestIDFromContext(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Range:      r.Header.Get("Range"),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytesLogged,
	}

	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}
	if entry.Range != "" {
		fields["range"] = entry.Range
	}

	logger.WithFields(fields).Info("HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		logDefault(logger, entry)
		return
	}
	logger.WithField("json", string(jsonData)).Info("HTTP request")
}

// logCLF logs in Common Log Format: %h %l %u %t "%r" %>s %b
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}
