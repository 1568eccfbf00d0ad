//go:build linux

package aegis

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// enforce applies a quota to a live process: CPU share via scheduler
// niceness, memory via an address-space rlimit installed from outside
// the process.
func (g *Governor) enforce(agentID string, pid int, q Quota) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceForCPU(q.CPUPercent)); err != nil {
		return fmt.Errorf("governor: set priority for %s (pid %d): %w", agentID, pid, err)
	}

	limit := uint64(q.MemoryMB) << 20
	rlim := unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
		return fmt.Errorf("governor: set memory limit for %s (pid %d): %w", agentID, pid, err)
	}

	g.log.Debug().Str("agent", agentID).Int("pid", pid).
		Int("cpu_percent", q.CPUPercent).Int("memory_mb", q.MemoryMB).
		Msg("quota applied")
	return nil
}
