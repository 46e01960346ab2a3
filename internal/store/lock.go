package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// lockFilePath returns the path to the lock file for a slot directory.
func lockFilePath(dir string) string {
	return filepath.Join(dir, "lock")
}

// AcquireLock creates a lock file containing the current PID.
// Returns ErrSlotLocked if the directory is already locked by a live process.
func AcquireLock(dir string) error {
	lockPath := lockFilePath(dir)

	if isLockedByOther(lockPath) {
		return errors.Wrapf(ErrSlotLocked, "%s (%s)", dir, lockInfo(dir))
	}

	pid := os.Getpid()
	return os.WriteFile(lockPath, []byte(strconv.Itoa(pid)), 0644)
}

// ReleaseLock removes the lock file. Best-effort: ignores ENOENT.
func ReleaseLock(dir string) error {
	err := os.Remove(lockFilePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// isLockedByOther returns true if the lock file is held by a live process
// other than the current one. Removes stale or corrupt locks.
func isLockedByOther(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(lockPath)
		return false
	}

	if pid == os.Getpid() {
		return false
	}

	if !isProcessAlive(pid) {
		os.Remove(lockPath)
		return false
	}

	return true
}

// isProcessAlive checks if a process with the given PID exists.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without actually sending a signal
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// lockInfo returns a human-readable description of the lock state.
func lockInfo(dir string) string {
	data, err := os.ReadFile(lockFilePath(dir))
	if err != nil {
		return ""
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("locked by PID %d", pid)
}
