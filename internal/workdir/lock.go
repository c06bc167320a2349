package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hlsget/internal/logger"
)

const (
	lockDirName   = ".hlsget.lock"
	lockOwnerFile = "owner.json"
)

// ConflictError means another live pipeline instance owns the workdir.
type ConflictError struct {
	Dir   string
	Owner lockOwner
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workdir %s is locked by pid %d on %s since %s",
		e.Dir, e.Owner.PID, e.Owner.Hostname, e.Owner.CreatedAt)
}

// Lock is a held workdir liveness lock.
type Lock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock takes the workdir lock, failing fast with a ConflictError when
// a live owner holds it. A stale lock, one whose owning process is no longer
// alive on this host, is taken over.
func AcquireLock(dir string, log logger.Logger) (Lock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return Lock{}, fmt.Errorf("workdir is required")
	}
	lockDir := filepath.Join(target, lockDirName)

	for takeover := false; ; takeover = true {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("acquire workdir lock for %s: %w", target, err)
		}
		if takeover {
			// Already removed a stale lock once; do not loop forever.
			return Lock{}, fmt.Errorf("acquire workdir lock for %s: lock keeps reappearing", target)
		}

		var owner lockOwner
		ownerPath := filepath.Join(lockDir, lockOwnerFile)
		if readErr := ReadJSON(ownerPath, &owner); readErr == nil && ownerAlive(owner) {
			return Lock{}, &ConflictError{Dir: target, Owner: owner}
		}
		log.Warnf("taking over stale lock in %s (owner pid %d is gone)", target, owner.PID)
		_ = os.Remove(ownerPath)
		if rmErr := os.Remove(lockDir); rmErr != nil && !os.IsNotExist(rmErr) {
			return Lock{}, fmt.Errorf("remove stale lock in %s: %w", target, rmErr)
		}
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(lockDir)
		return Lock{}, fmt.Errorf("write workdir lock owner for %s: %w", target, err)
	}
	return Lock{lockDir: lockDir}, nil
}

func (l Lock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release workdir lock %s: %w", l.lockDir, err)
	}
	return nil
}

// ownerAlive reports whether the recorded owner still runs. Liveness can
// only be probed on the same host; a lock from another host is treated as
// live so we never steal a working directory over a network filesystem.
func ownerAlive(owner lockOwner) bool {
	if owner.PID <= 0 {
		return false
	}
	if owner.Hostname != "" && owner.Hostname != hostnameOrUnknown() {
		return true
	}
	proc, err := os.FindProcess(owner.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
