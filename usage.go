package aegis

import (
	"time"
)

// clockTicksPerSecond is the kernel's USER_HZ for /proc accounting.
const clockTicksPerSecond = 100

// cpuSample remembers one CPU-time reading so the next sample for the
// same pid can be expressed as a rate.
type cpuSample struct {
	ticks uint64
	at    time.Time
}

// procReader reads raw per-process accounting. It is an interface so
// tests can feed synthetic samples without a live process table.
type procReader interface {
	// stat returns cumulative CPU ticks (user+system) and resident set
	// size in bytes for a process.
	stat(pid int) (ticks uint64, rssBytes int64, err error)
}

// sample turns raw accounting into a Usage. CPU percent comes from the
// tick delta against the previous sample; the first sample for a pid
// reports zero CPU.
func (g *Governor) sample(pid int) (Usage, error) {
	ticks, rss, err := g.procReader.stat(pid)
	if err != nil {
		return Usage{}, err
	}
	now := time.Now()

	g.mu.Lock()
	prev, ok := g.lastUsage[pid]
	g.lastUsage[pid] = cpuSample{ticks: ticks, at: now}
	g.mu.Unlock()

	u := Usage{MemoryMB: int(rss >> 20)}
	if ok && ticks >= prev.ticks {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			seconds := float64(ticks-prev.ticks) / clockTicksPerSecond
			u.CPUPercent = seconds / elapsed * 100
		}
	}
	return u, nil
}

// niceForCPU maps a CPU quota to a niceness value. A larger share gets
// closer to normal priority; the lowest tiers run heavily niced.
func niceForCPU(cpuPercent int) int {
	if cpuPercent >= 100 {
		return 0
	}
	if cpuPercent < 0 {
		cpuPercent = 0
	}
	return 19 - cpuPercent*19/100
}
