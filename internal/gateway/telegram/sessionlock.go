package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrSessionLocked is returned when another process still holds the
// session lock after the bounded wait expires. The session file itself
// is left untouched: a held lock means a live owner, never corruption.
var ErrSessionLocked = errors.New("telegram session is locked by another process")

const lockRetryInterval = 200 * time.Millisecond

// sessionLock is an exclusive flock on the session directory. The lock
// file carries the owner's PID for diagnostics.
type sessionLock struct {
	file *os.File
}

// acquireSessionLock takes the session lock, waiting up to timeout for
// the current owner to release it.
func acquireSessionLock(ctx context.Context, sessionDir string, timeout time.Duration) (*sessionLock, error) {
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	lockPath := filepath.Join(sessionDir, "LOCK")

	deadline := time.Now().Add(timeout)
	for {
		lock, err := tryFlock(lockPath)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errLockBusy) {
			return nil, err
		}
		if time.Now().After(deadline) {
			data, _ := os.ReadFile(lockPath)
			return nil, fmt.Errorf("%w (held by pid %d)", ErrSessionLocked, parseLockPID(string(data)))
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var errLockBusy = errors.New("lock busy")

func tryFlock(lockPath string) (*sessionLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, errLockBusy
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &sessionLock{file: f}, nil
}

// release drops the lock by closing the fd. The lock file itself stays
// in place: unlinking it would let a waiter blocked on the old inode
// and a fresh process locking a recreated file hold the lock at once.
func (l *sessionLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func parseLockPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
