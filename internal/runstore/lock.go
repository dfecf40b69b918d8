package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	cacheLockDirName   = ".sitecache.lock"
	cacheLockOwnerFile = "owner.json"

	// lockOwnerGrace is how long a lock directory may exist without a
	// readable owner before it is treated as the leftover of a crashed run.
	lockOwnerGrace = 30 * time.Second
)

// CacheLock guards a cache directory against concurrent builds.
type CacheLock struct {
	lockDir string
	RunID   string
}

type cacheLockOwner struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	Command   string `json:"command,omitempty"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func AcquireCacheLock(cacheDir, command string) (CacheLock, error) {
	target := strings.TrimSpace(cacheDir)
	if target == "" {
		return CacheLock{}, fmt.Errorf("cache directory is required")
	}
	if err := Mkdir(target); err != nil {
		return CacheLock{}, err
	}

	lockDir := filepath.Join(target, cacheLockDirName)
	for attempt := 0; ; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return CacheLock{}, fmt.Errorf("acquire cache lock for %s: %w", target, err)
		}
		var owner cacheLockOwner
		if readErr := ReadJSON(filepath.Join(lockDir, cacheLockOwnerFile), &owner); readErr != nil || owner.PID <= 0 || owner.CreatedAt == "" {
			if attempt == 0 && ownerlessTooLong(lockDir) {
				if err := os.RemoveAll(lockDir); err != nil {
					return CacheLock{}, fmt.Errorf("reclaim stale cache lock %s: %w", lockDir, err)
				}
				continue
			}
			return CacheLock{}, fmt.Errorf("cache directory is locked: %s", target)
		}
		// A build killed mid-run leaves its lock behind; reclaim it once.
		if attempt == 0 && owner.abandoned() {
			if err := os.RemoveAll(lockDir); err != nil {
				return CacheLock{}, fmt.Errorf("reclaim stale cache lock %s: %w", lockDir, err)
			}
			continue
		}
		return CacheLock{}, fmt.Errorf(
			"cache directory is locked: %s (run=%s pid=%d command=%s created_at=%s host=%s)",
			target, owner.RunID, owner.PID, owner.Command, owner.CreatedAt, owner.Hostname,
		)
	}

	owner := cacheLockOwner{
		RunID:     uuid.NewString(),
		PID:       os.Getpid(),
		Command:   command,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	ownerPath := filepath.Join(lockDir, cacheLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return CacheLock{}, fmt.Errorf("write cache lock owner for %s: %w", target, err)
	}

	return CacheLock{lockDir: lockDir, RunID: owner.RunID}, nil
}

func (l CacheLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, cacheLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release cache lock %s: %w", l.lockDir, err)
	}
	return nil
}

// abandoned reports whether the owner ran on this host and is gone.
func (o cacheLockOwner) abandoned() bool {
	return o.Hostname == hostnameOrUnknown() && o.PID != os.Getpid() && !processAlive(o.PID)
}

// ownerlessTooLong reports whether a lock directory without a usable owner
// file has outlived the window in which its creator writes one.
func ownerlessTooLong(lockDir string) bool {
	info, err := os.Stat(lockDir)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > lockOwnerGrace
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
