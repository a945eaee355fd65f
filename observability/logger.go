package observability

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var camelBoundary = regexp.MustCompile(`(?m)([a-z0-9])([A-Z])`)

// toSnake converts CamelCase component names to snake_case file names,
// e.g. "MemoryBank" -> "memory_bank".
func toSnake(name string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(name, "${1}_${2}"))
}

// fileHook writes every entry as JSON to a per-component .jsonl file while
// the logger's main output stays human-readable on the console.
type fileHook struct {
	path      string
	formatter logrus.Formatter
	mu        sync.Mutex
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// NewLogger builds a component logger: text output on stderr, structured JSON
// lines in <dir>/<component>.jsonl. The component name rides along as a field
// on every line.
func NewLogger(component, dir string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			logger.AddHook(&fileHook{
				path: filepath.Join(dir, toSnake(component)+".jsonl"),
				formatter: &logrus.JSONFormatter{
					FieldMap: logrus.FieldMap{
						logrus.FieldKeyTime:  "ts",
						logrus.FieldKeyLevel: "level",
						logrus.FieldKeyMsg:   "message",
					},
				},
			})
		}
	}

	return logger.WithField("component", component)
}

// WithSpan attaches the trace/span IDs carried by sc to a log entry, so
// every line a component emits can be correlated with its span records.
func WithSpan(logger *logrus.Entry, sc SpanContext) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"trace_id": sc.TraceID,
		"span_id":  sc.SpanID,
	})
}
