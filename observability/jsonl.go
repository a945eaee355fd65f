package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter appends one JSON record per line to a file. Appends are
// serialized by an in-process mutex; readers never need a lock because each
// append is a single atomic line-level write.
type JSONLWriter struct {
	path string
	mu   sync.Mutex
}

// NewJSONLWriter creates a writer for the given path, creating parent
// directories as needed.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	return &JSONLWriter{path: path}, nil
}

// Path returns the file the writer appends to.
func (w *JSONLWriter) Path() string {
	return w.path
}

// Append marshals v and writes it as one newline-terminated line.
func (w *JSONLWriter) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", w.path, err)
	}
	return f.Sync()
}
