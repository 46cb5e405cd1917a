// Package instance keeps a single long-running bridge per pid file. The
// guard holds an exclusive lock next to the pid file for as long as the
// bridge runs, so a stale pid file left by a crash never blocks a restart.
package instance

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrRunning = errors.New("another bridge is already running")

type Guard struct {
	pidPath  string
	lockPath string
	lock     *os.File
}

func NewGuard(pidPath string) *Guard {
	return &Guard{pidPath: pidPath, lockPath: pidPath + ".lock"}
}

// Acquire takes the lock and records the current pid. It fails with
// ErrRunning when a live bridge owns the lock.
func (g *Guard) Acquire() error {
	if g.lock != nil {
		return nil
	}
	f, err := os.OpenFile(g.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			if pid, _ := ReadPID(g.pidPath); pid > 0 {
				return fmt.Errorf("%w (pid %d)", ErrRunning, pid)
			}
			return ErrRunning
		}
		return fmt.Errorf("lock %s: %w", g.lockPath, err)
	}
	g.lock = f

	if err := g.writePID(); err != nil {
		g.Release()
		return err
	}
	return nil
}

func (g *Guard) writePID() error {
	if info, err := os.Lstat(g.pidPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("pid file %s is a symlink", g.pidPath)
		}
		// left behind by a bridge that died without cleanup; we hold the lock
		os.Remove(g.pidPath)
	}
	f, err := os.OpenFile(g.pidPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create pid file: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Release removes the pid file and drops the lock. Safe to call twice.
func (g *Guard) Release() error {
	if g.lock == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(g.pidPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	unlockFile(g.lock)
	errs = append(errs, g.lock.Close())
	g.lock = nil
	os.Remove(g.lockPath)
	return errors.Join(errs...)
}

// ReadPID returns 0 with no error when the file is missing or empty.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(content)
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}
