// Package lockfile guards the state directory so that only one indusgpt process drives a
// WhatsApp session and its conversation database at a time.
//
// The lock is a flock on a file inside the state directory; the kernel releases it when the
// process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "indusgpt.lock"

// Info describes the process holding the lock.
type Info struct {
	PID      int
	Provider string
	Started  time.Time
}

// String renders the info in the key=value form stored in the lock file.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Provider != "" {
		fmt.Fprintf(&b, "provider=%s\n", i.Provider)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// ParseInfo reads key=value lines. Unknown keys and malformed values are ignored.
func ParseInfo(r io.Reader) Info {
	var info Info
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "provider":
			info.Provider = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = ts
			}
		}
	}
	return info
}

// Option configures AcquireLock.
type Option func(*Info)

// WithProvider records the messaging provider of the locking process.
func WithProvider(provider string) Option {
	return func(i *Info) {
		i.Provider = provider
	}
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if needed. If
// another process holds it, the returned error is a *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: attempting to acquire lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not O_TRUNC: the holder's info must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := ParseInfo(file)
		file.Close()
		slog.Error("AcquireLock: state directory is locked by another process",
			"lock_path", lockPath, "holder_pid", holder.PID, "holder_provider", holder.Provider)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Running: holder.PID > 0 && isProcessRunning(holder.PID), Cause: err}
	}

	info := Info{PID: os.Getpid(), Started: time.Now()}
	for _, opt := range opts {
		opt(&info)
	}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", info.PID, "provider", info.Provider)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err, "lock_path", f.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns what was written to the lock file.
func (l *Lock) Info() Info { return l.info }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil

	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Info
	Running  bool
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another indusgpt instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "not running, the lock may be stale"
		if e.Running {
			state = "running"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
	}
	if e.Holder.Provider != "" {
		fmt.Fprintf(&b, ", provider %s", e.Holder.Provider)
	}
	if !e.Holder.Started.IsZero() {
		fmt.Fprintf(&b, ", started %s", e.Holder.Started.Format(time.RFC3339))
	}
	b.WriteString(". Two processes sharing one WhatsApp session disconnect each other; stop the other instance or use a different --state-dir")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0, which checks for existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
