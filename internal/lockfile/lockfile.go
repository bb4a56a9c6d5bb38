// Package lockfile guards a PacePipe state directory against a second running instance.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// process dies and a crashed instance never leaves a lock that blocks restarts. The file
// body records who holds the lock, for the error shown to the second instance.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "pacepipe.lock"

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another PacePipe instance")

// Holder describes the process that owns a lock.
type Holder struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname,omitempty"`
	Since    time.Time `json:"since"`
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on stateDir, creating it if needed.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// Not truncated on open: the current holder's record must survive a failed attempt.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			holder, _ := ReadHolder(path)
			slog.Error("Lockfile held by another instance", "lock_path", path, "holder_pid", pidOf(holder))
			return nil, &LockError{LockPath: path, Holder: holder}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := writeHolder(file); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}

	slog.Info("Lockfile acquired", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writeHolder(file *os.File) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(Holder{PID: os.Getpid(), Hostname: host, Since: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile sync failed", "error", err)
	}
	return nil
}

// ReadHolder parses the holder record of a lock file. A missing or garbled record
// yields nil and an error.
func ReadHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unreadable lock record: %w", err)
	}
	if h.PID <= 0 {
		return nil, errors.New("lock record has no pid")
	}
	return &h, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lockfile remove failed", "lock_path", l.path, "error", err)
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	slog.Info("Lockfile released", "lock_path", l.path)
	return errors.Join(unlockErr, closeErr)
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   *Holder
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another PacePipe instance is already running with this state directory (lock file %s", e.LockPath)
	if e.Holder != nil {
		msg += fmt.Sprintf(", pid %d", e.Holder.PID)
		if e.Holder.Hostname != "" {
			msg += " on " + e.Holder.Hostname
		}
		if !e.Holder.Since.IsZero() {
			msg += " since " + e.Holder.Since.Format(time.RFC3339)
		}
	}
	return msg + ")"
}

func (e *LockError) Is(target error) bool {
	return target == ErrLocked
}

func pidOf(h *Holder) int {
	if h == nil {
		return 0
	}
	return h.PID
}
