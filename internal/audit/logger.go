// Package audit keeps an append-only, optionally signed JSONL record of policy
// decisions.
//
// All writes go through one goroutine fed by a bounded queue, so entries land
// in the order Record was called even under concurrent callers.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	auditFileMode = 0600
	auditDirMode  = 0755

	// KeyFileName holds the HMAC key next to the vault key.
	KeyFileName = ".audit_key"

	defaultQueueSize = 256
	maxBackups       = 5
)

var (
	// ErrWrite marks an entry that could not be persisted.
	ErrWrite = errors.New("audit write failure")
	// ErrClosed is returned by Record after Close.
	ErrClosed = errors.New("audit log closed")
)

// Config controls the audit log.
type Config struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	SignEvents bool
	// Key signs entries when SignEvents is set.
	Key []byte
	// QueueSize bounds pending entries; zero uses a default.
	QueueSize int

	maxBytes int64
}

// Logger appends entries from a single writer goroutine.
type Logger struct {
	cfg      Config
	maxBytes int64
	now      func() time.Time

	queue chan Entry
	done  chan struct{}

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	failures atomic.Int64
}

// New validates cfg and starts the writer. A disabled config returns a Logger
// whose Record is a no-op.
func New(cfg Config) (*Logger, error) {
	l := &Logger{cfg: cfg, now: time.Now}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if cfg.SignEvents && len(cfg.Key) == 0 {
		return nil, fmt.Errorf("audit signing enabled without a key")
	}
	switch {
	case cfg.maxBytes > 0:
		l.maxBytes = cfg.maxBytes
	case cfg.MaxSizeMB > 0:
		l.maxBytes = int64(cfg.MaxSizeMB) * 1024 * 1024
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), auditDirMode); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	l.queue = make(chan Entry, size)
	l.done = make(chan struct{})
	go l.run()
	return l, nil
}

// Enabled reports whether entries are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.cfg.Enabled
}

// Record enqueues entry. It blocks only while the queue is full, and gives up
// when ctx is done. Failures are logged; they never alter the decision the
// entry describes.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if !l.Enabled() {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.fail(entry, ErrClosed)
		return ErrClosed
	}

	select {
	case l.queue <- entry:
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: enqueue: %v", ErrWrite, ctx.Err())
		l.fail(entry, err)
		return err
	}
}

// Failures returns how many entries were lost since start.
func (l *Logger) Failures() int64 {
	if l == nil {
		return 0
	}
	return l.failures.Load()
}

// Close stops accepting entries and waits for queued ones to be written.
func (l *Logger) Close(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		close(l.queue)
		l.closeMu.Unlock()
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)

	var file *os.File
	var size int64
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	for entry := range l.queue {
		line, err := l.encode(entry)
		if err != nil {
			l.fail(entry, err)
			continue
		}

		if file == nil {
			file, size, err = openAppend(l.cfg.Path)
			if err != nil {
				l.fail(entry, err)
				continue
			}
		}

		if l.maxBytes > 0 && size > 0 && size+int64(len(line)) > l.maxBytes {
			_ = file.Close()
			file = nil
			if err := rotate(l.cfg.Path); err != nil {
				slog.Error("audit log rotation failed", "path", l.cfg.Path, "error", err)
			}
			file, size, err = openAppend(l.cfg.Path)
			if err != nil {
				l.fail(entry, err)
				continue
			}
		}

		n, err := file.Write(line)
		size += int64(n)
		if err != nil {
			l.fail(entry, fmt.Errorf("%w: append: %v", ErrWrite, err))
			_ = file.Close()
			file = nil
			continue
		}
		if err := file.Sync(); err != nil {
			l.fail(entry, fmt.Errorf("%w: sync: %v", ErrWrite, err))
		}
	}
}

func (l *Logger) encode(entry Entry) ([]byte, error) {
	if l.cfg.SignEvents {
		sig, err := entry.sign(l.cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		entry.Signature = sig
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrWrite, err)
	}
	return append(data, '\n'), nil
}

func (l *Logger) fail(entry Entry, err error) {
	l.failures.Add(1)
	slog.Error("audit entry lost",
		"id", entry.ID,
		"action", entry.Action,
		"decision", entry.Decision,
		"error", err,
	)
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open: %v", ErrWrite, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: stat: %v", ErrWrite, err)
	}
	return f, info.Size(), nil
}

// rotate shifts path.N to path.N+1, dropping the oldest, then path to path.1.
func rotate(path string) error {
	_ = os.Remove(fmt.Sprintf("%s.%d", path, maxBackups))
	for i := maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, fmt.Sprintf("%s.%d", path, i+1)); err != nil {
			return err
		}
	}
	if err := os.Rename(path, path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
