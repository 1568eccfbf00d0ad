package aegis

import (
	"sync"

	"github.com/rs/zerolog"
)

// Quota is the resource allowance derived from an agent's credit
// balance: a CPU share and a memory ceiling.
type Quota struct {
	CPUPercent int `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryMB   int `json:"memory_mb" yaml:"memory_mb"`
}

// quotaTier maps a minimum credit balance to its quota. Tiers are kept
// in descending balance order; the first matching tier wins.
type quotaTier struct {
	minCredits int64
	quota      Quota
}

var quotaTiers = []quotaTier{
	{minCredits: 1000, quota: Quota{CPUPercent: 50, MemoryMB: 1024}},
	{minCredits: 500, quota: Quota{CPUPercent: 25, MemoryMB: 512}},
	{minCredits: 100, quota: Quota{CPUPercent: 10, MemoryMB: 100}},
	{minCredits: 0, quota: Quota{CPUPercent: 5, MemoryMB: 50}},
}

// BalanceOracle reports an agent's current credit balance. The kernel
// treats it as the single source of economic truth; the governor only
// caches what the oracle last said.
type BalanceOracle interface {
	Balance(agentID string) (int64, error)
}

// Usage is a point-in-time resource usage sample for one process.
type Usage struct {
	CPUPercent float64
	MemoryMB   int
}

// Violation reports a usage sample exceeding an agent's quota.
type Violation struct {
	AgentID string
	Quota   Quota
	Usage   Usage
}

// violationTolerance is the slack applied before flagging a sample as a
// quota violation, absorbing sampling jitter.
const violationTolerance = 1.2

// Governor translates credit balances into resource quotas, applies
// them to live processes, and audits usage against them. Balances come
// from the oracle; the governor never grants more than the system-wide
// ceilings regardless of balance.
type Governor struct {
	mu     sync.RWMutex
	quotas map[string]Quota

	oracle     BalanceOracle
	maxCPU     int
	maxMemMB   int
	log        zerolog.Logger
	lastUsage  map[int]cpuSample
	procReader procReader
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithCeilings overrides the system-wide quota ceilings.
func WithCeilings(cpuPercent, memoryMB int) GovernorOption {
	return func(g *Governor) {
		g.maxCPU = cpuPercent
		g.maxMemMB = memoryMB
	}
}

// WithGovernorLogger sets the governor's logger.
func WithGovernorLogger(log zerolog.Logger) GovernorOption {
	return func(g *Governor) {
		g.log = log
	}
}

// NewGovernor creates a governor backed by the given balance oracle.
func NewGovernor(oracle BalanceOracle, opts ...GovernorOption) *Governor {
	g := &Governor{
		quotas:     make(map[string]Quota),
		oracle:     oracle,
		maxCPU:     DefaultMaxCPUPercent,
		maxMemMB:   DefaultMaxMemoryMB,
		log:        zerolog.Nop(),
		lastUsage:  make(map[int]cpuSample),
		procReader: osProcReader{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// QuotaForCredits maps a credit balance to its tier quota, clamped to
// the governor's ceilings. Pure and monotonic: more credits never yield
// a smaller quota.
func (g *Governor) QuotaForCredits(credits int64) Quota {
	q := quotaTiers[len(quotaTiers)-1].quota
	for _, tier := range quotaTiers {
		if credits >= tier.minCredits {
			q = tier.quota
			break
		}
	}
	if q.CPUPercent > g.maxCPU {
		q.CPUPercent = g.maxCPU
	}
	if q.MemoryMB > g.maxMemMB {
		q.MemoryMB = g.maxMemMB
	}
	return q
}

// Resync recomputes one agent's quota from the oracle and reports
// whether it changed. An unreachable oracle degrades the agent to the
// lowest tier rather than leaving quotas stale or unbounded.
func (g *Governor) Resync(agentID string) (Quota, bool, error) {
	var credits int64
	var err error
	if g.oracle == nil {
		g.log.Debug().Str("agent", agentID).Msg("no balance oracle, using lowest tier")
	} else if credits, err = g.oracle.Balance(agentID); err != nil {
		g.log.Warn().Err(err).Str("agent", agentID).Msg("balance oracle unreachable, degrading to lowest tier")
		credits = 0
	}
	quota := g.QuotaForCredits(credits)

	g.mu.Lock()
	prev, had := g.quotas[agentID]
	g.quotas[agentID] = quota
	g.mu.Unlock()

	changed := !had || prev != quota
	if changed {
		g.log.Info().Str("agent", agentID).
			Int("cpu_percent", quota.CPUPercent).Int("memory_mb", quota.MemoryMB).
			Int64("credits", credits).Msg("quota adjusted")
	}
	return quota, changed, err
}

// CurrentQuota returns the last computed quota for an agent.
func (g *Governor) CurrentQuota(agentID string) (Quota, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q, ok := g.quotas[agentID]
	return q, ok
}

// Quotas returns a snapshot of all current quotas.
func (g *Governor) Quotas() map[string]Quota {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Quota, len(g.quotas))
	for id, q := range g.quotas {
		out[id] = q
	}
	return out
}

// Forget drops an agent's cached quota and usage samples.
func (g *Governor) Forget(agentID string, pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.quotas, agentID)
	delete(g.lastUsage, pid)
}

// Apply enforces an agent's quota on a live process. Enforcement is
// platform-dependent; where the OS offers no mechanism, the reduced
// guarantee is logged once and auditing still applies.
func (g *Governor) Apply(agentID string, pid int) error {
	g.mu.RLock()
	quota, ok := g.quotas[agentID]
	g.mu.RUnlock()
	if !ok {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	return g.enforce(agentID, pid, quota)
}

// Sample reads a usage sample for a process. CPU percent is computed
// from the delta since the previous sample for the same pid, so the
// first call reports zero CPU.
func (g *Governor) Sample(pid int) (Usage, error) {
	return g.sample(pid)
}

// UsageReport is one agent's sampled usage against its quota. The
// within flags apply the audit tolerance, so brief sampling spikes do
// not read as breaches.
type UsageReport struct {
	AgentID      string
	Usage        Usage
	Quota        Quota
	WithinCPU    bool
	WithinMemory bool
}

// Report samples a process and scores it against its agent's quota.
func (g *Governor) Report(agentID string, pid int) (UsageReport, error) {
	g.mu.RLock()
	quota, ok := g.quotas[agentID]
	g.mu.RUnlock()
	if !ok {
		return UsageReport{}, &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	usage, err := g.Sample(pid)
	if err != nil {
		return UsageReport{}, err
	}
	return UsageReport{
		AgentID:      agentID,
		Usage:        usage,
		Quota:        quota,
		WithinCPU:    usage.CPUPercent <= float64(quota.CPUPercent)*violationTolerance,
		WithinMemory: float64(usage.MemoryMB) <= float64(quota.MemoryMB)*violationTolerance,
	}, nil
}

// Audit samples every given (agentID, pid) pair and returns quota
// violations beyond tolerance. Agents without a quota are skipped.
func (g *Governor) Audit(pids map[string]int) []Violation {
	var out []Violation
	for agentID, pid := range pids {
		g.mu.RLock()
		quota, ok := g.quotas[agentID]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		usage, err := g.Sample(pid)
		if err != nil {
			g.log.Debug().Err(err).Str("agent", agentID).Int("pid", pid).Msg("usage sample failed")
			continue
		}
		if g.exceeds(usage, quota) {
			out = append(out, Violation{AgentID: agentID, Quota: quota, Usage: usage})
			g.log.Warn().Str("agent", agentID).
				Float64("cpu_used", usage.CPUPercent).Int("cpu_quota", quota.CPUPercent).
				Int("mem_used_mb", usage.MemoryMB).Int("mem_quota_mb", quota.MemoryMB).
				Msg("quota violation")
		}
	}
	return out
}

// exceeds reports whether usage is beyond quota with tolerance applied.
func (g *Governor) exceeds(u Usage, q Quota) bool {
	if u.CPUPercent > float64(q.CPUPercent)*violationTolerance {
		return true
	}
	if float64(u.MemoryMB) > float64(q.MemoryMB)*violationTolerance {
		return true
	}
	return false
}
