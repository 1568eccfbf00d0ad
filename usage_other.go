//go:build !linux

package aegis

import "fmt"

// osProcReader is a stub where per-process accounting is not wired up.
// Auditing is skipped on these platforms; quota application may still
// work where the OS supports it.
type osProcReader struct{}

func (osProcReader) stat(pid int) (uint64, int64, error) {
	return 0, 0, fmt.Errorf("proc: usage sampling not supported on this platform (pid %d)", pid)
}
