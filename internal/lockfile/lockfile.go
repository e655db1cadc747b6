// Package lockfile keeps two FlowPipe processes from sharing one state
// directory. The whatsmeow device store and the SQLite database both live
// there, and neither tolerates a second writer.
//
// Locks are flock(2) locks, so the kernel drops them when the process dies.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Name is the lock file created in the state directory.
const Name = "flowpipe.lock"

// ErrLocked is matched by the error returned when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError describes a lock held by someone else.
type LockError struct {
	Path string
	// PID is the holder recorded in the file, or 0 when unreadable.
	PID     int
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	var holder string
	switch {
	case e.PID == 0:
		holder = "unknown process"
	case e.Running:
		holder = fmt.Sprintf("pid %d", e.PID)
	default:
		holder = fmt.Sprintf("pid %d, no longer running", e.PID)
	}
	return fmt.Sprintf("%s: %s (held by %s); remove it only if no other FlowPipe instance uses this directory",
		ErrLocked.Error(), e.Path, holder)
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// Acquire takes the lock in dir, creating dir if needed. It does not block.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		lerr := &LockError{Path: path, Cause: err}
		lerr.PID, lerr.Running = holder(path)
		slog.Error("lockfile.Acquire: state directory in use", "path", path, "pid", lerr.PID, "running", lerr.Running)
		return nil, lerr
	}

	// Truncate only once the lock is ours, so a losing contender never wipes
	// the holder's pid.
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "path", path, "error", err)
		}
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file that
	// is about to disappear.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: state directory unlocked", "path", l.path)
	return err
}

// holder reads the pid recorded in path and whether it is still alive.
func holder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid := parsePID(string(data))
	if pid == 0 {
		return 0, false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, p.Signal(syscall.Signal(0)) == nil
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}
