//go:build windows

package runstore

// Without a cheap liveness check a lock is never treated as abandoned.
func processAlive(int) bool {
	return true
}
