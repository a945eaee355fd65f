// Package ledger appends run manifests to a shared JSONL file guarded by a
// sentinel lock file, the only cross-process coordination in the suite. A
// crashed holder cannot release the lock, so locks past a staleness threshold
// are forcibly removed.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

const (
	// staleAfter is how old a lock file must be before it is presumed
	// abandoned.
	staleAfter = 10 * time.Second

	// acquireTimeout bounds the whole acquisition loop.
	acquireTimeout = 5 * time.Second

	// pollInterval is the sleep between acquisition attempts.
	pollInterval = 100 * time.Millisecond
)

// Ledger appends one JSON line per run to a shared manifest file.
type Ledger struct {
	path     string
	lockPath string
	logger   *logrus.Entry
	metrics  observability.Metrics

	stale   time.Duration
	timeout time.Duration
	poll    time.Duration
}

// Option configures the ledger.
type Option func(*Ledger)

// WithLogger sets the component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(ld *Ledger) { ld.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(ld *Ledger) { ld.metrics = m }
}

// withTimings overrides lock timing constants. Kept unexported; only tests
// need faster clocks.
func withTimings(stale, timeout, poll time.Duration) Option {
	return func(ld *Ledger) {
		ld.stale, ld.timeout, ld.poll = stale, timeout, poll
	}
}

// New creates a ledger writing to path, with the lock file beside it.
func New(path string, opts ...Option) *Ledger {
	ld := &Ledger{
		path:     path,
		lockPath: strings.TrimSuffix(path, filepath.Ext(path)) + ".lock",
		metrics:  observability.NopMetrics{},
		stale:    staleAfter,
		timeout:  acquireTimeout,
		poll:     pollInterval,
	}
	for _, opt := range opts {
		opt(ld)
	}
	if ld.logger == nil {
		ld.logger = observability.NewLogger("RunLedger", "")
	}
	return ld
}

// Append durably appends one manifest as a newline-terminated JSON record.
// Failure to acquire the lock within the acquisition timeout returns a
// LockTimeout-classified error; callers treat ledger writes as best-effort
// durability and never fail the run over them.
func (ld *Ledger) Append(manifest core.RunManifest) error {
	if err := os.MkdirAll(filepath.Dir(ld.path), 0o755); err != nil {
		return core.Classified(core.KindStorage, err)
	}

	release, err := ld.acquireLock()
	if err != nil {
		ld.logger.WithError(err).Error("manifest write timed out waiting for lock")
		ld.metrics.IncCounter("salesops_ledger_lock_timeouts_total", nil)
		return err
	}
	// The lock must come off even if the write fails, or it would orphan
	// every other writer for the staleness window.
	defer release()

	f, err := os.OpenFile(ld.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return core.Classified(core.KindStorage, err)
	}
	defer f.Close()

	data, err := json.Marshal(manifest)
	if err != nil {
		return core.Classified(core.KindStorage, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return core.Classified(core.KindStorage, err)
	}
	if err := f.Sync(); err != nil {
		return core.Classified(core.KindStorage, err)
	}

	ld.metrics.IncCounter("salesops_ledger_appends_total", nil)
	return nil
}

// acquireLock loops on exclusive lock-file creation, removing stale locks and
// polling until the acquisition timeout.
func (ld *Ledger) acquireLock() (release func(), err error) {
	deadline := time.Now().Add(ld.timeout)

	for time.Now().Before(deadline) {
		if info, err := os.Stat(ld.lockPath); err == nil {
			if age := time.Since(info.ModTime()); age > ld.stale {
				ld.logger.WithField("age", age.String()).Warn("removing stale lock file")
				// Best-effort: a concurrent writer may have removed it first.
				_ = os.Remove(ld.lockPath)
			}
		}

		f, err := os.OpenFile(ld.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(ld.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, core.Classified(core.KindStorage, err)
		}

		time.Sleep(ld.poll)
	}

	return nil, core.Classifiedf(core.KindLockTimeout, "could not acquire %s within %s", ld.lockPath, ld.timeout)
}

// ReadAll returns every complete manifest record in the ledger. The final
// line is only trusted if it is newline-terminated; a crash mid-write leaves
// a partial tail that readers must skip.
func (ld *Ledger) ReadAll() ([]core.RunManifest, error) {
	data, err := os.ReadFile(ld.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.Classified(core.KindStorage, err)
	}

	var manifests []core.RunManifest
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	complete := strings.HasSuffix(string(data), "\n")
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if !complete && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m core.RunManifest
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			ld.logger.WithError(err).Warn("skipping malformed ledger line")
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
