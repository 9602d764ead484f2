package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock is the process-wide singleton guard. The file holds the owner's pid;
// a second process refuses to start while the owner is alive. A lock left
// behind by a dead process is replaced.
type Lock struct {
	path string
}

// Acquire takes the lock or fails if another live process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		pid, readErr := readPid(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("another instance is running (pid %d, lock %s)", pid, path)
		}
		// Stale lock from a dead process: remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, rmErr)
		}
	}

	return nil, fmt.Errorf("lock file %s kept reappearing", path)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes the pid with signal 0. EPERM still means alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
