package aegis

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/everydev1618/goaegis/gateway"
	"github.com/everydev1618/goaegis/lineage"
	"github.com/everydev1618/goaegis/sandbox"
)

// TaskLedger is the external system that accounts for task starts. The
// kernel records there, never in the lineage chain; task accounting is
// economic data, not lifecycle evidence.
type TaskLedger interface {
	RecordTaskStart(task Task) error
}

// Auditor is an external invariant checker run on a rate-limited
// schedule against the kernel's view of its agents.
type Auditor interface {
	Audit(statuses map[string]WorkerStatus) error
}

// agentRecord is the kernel's registry entry for one admitted agent.
type agentRecord struct {
	manifest   Manifest
	sandbox    *sandbox.FS
	selfStatus string
}

// Kernel hosts agents: it admits them through the oath gate, spawns
// their isolated processes, grants sandbox and gateway handles, meters
// their resources against credit balances, and records every lifecycle
// event in the lineage chain. One Kernel owns all of its subordinate
// components; there is no ambient global state.
type Kernel struct {
	mu      sync.Mutex
	agents  map[string]*agentRecord
	queue   []Task
	results []Result
	running bool

	cfg   Config
	chain *lineage.Chain
	sup   *Supervisor
	gov   *Governor
	gw    *gateway.Gateway
	log   zerolog.Logger

	store      lineage.Store
	backend    ProcessBackend
	oracle     BalanceOracle
	ledger     TaskLedger
	auditor    Auditor
	verifier   OathVerifier
	workerCmd  []string
	requestLog *gateway.SQLiteLog

	lastResync time.Time
	lastAudit  time.Time
}

// KernelOption configures a Kernel.
type KernelOption func(*Kernel)

// WithLogger sets the kernel's logger, inherited by every subordinate
// component.
func WithLogger(log zerolog.Logger) KernelOption {
	return func(k *Kernel) {
		k.log = log
	}
}

// WithBalanceOracle wires the external credit balance source.
func WithBalanceOracle(o BalanceOracle) KernelOption {
	return func(k *Kernel) {
		k.oracle = o
	}
}

// WithTaskLedger wires the external task accounting system.
func WithTaskLedger(l TaskLedger) KernelOption {
	return func(k *Kernel) {
		k.ledger = l
	}
}

// WithAuditor wires the external invariant auditor.
func WithAuditor(a Auditor) KernelOption {
	return func(k *Kernel) {
		k.auditor = a
	}
}

// WithOathVerifier wires the cryptographic oath validator.
func WithOathVerifier(v OathVerifier) KernelOption {
	return func(k *Kernel) {
		k.verifier = v
	}
}

// WithWorkerCommand sets the argv prefix used to start worker
// processes. The agent name is appended as `--agent <name>`.
func WithWorkerCommand(argv ...string) KernelOption {
	return func(k *Kernel) {
		k.workerCmd = argv
	}
}

// WithLineageStore replaces the default SQLite lineage store.
func WithLineageStore(s lineage.Store) KernelOption {
	return func(k *Kernel) {
		k.store = s
	}
}

// WithProcessBackend replaces the supervisor's process backend.
func WithProcessBackend(b ProcessBackend) KernelOption {
	return func(k *Kernel) {
		k.backend = b
	}
}

// NewKernel assembles a kernel from config. The lineage store is opened
// and verified here; a corrupted chain fails construction outright.
func NewKernel(cfg Config, opts ...KernelOption) (*Kernel, error) {
	cfg = cfg.withDefaults()

	k := &Kernel{
		agents: make(map[string]*agentRecord),
		cfg:    cfg,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("kernel: create workspace root: %w", err)
	}

	if k.store == nil {
		store, err := lineage.OpenSQLite(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("kernel: open lineage store: %w", err)
		}
		k.store = store
	}

	chainOpts := []lineage.ChainOption{lineage.WithLogger(k.log)}
	if len(cfg.FoundingDocs) >= 2 {
		chainOpts = append(chainOpts, lineage.WithAnchors(cfg.FoundingDocs[0], cfg.FoundingDocs[1]))
	} else if len(cfg.FoundingDocs) == 1 {
		chainOpts = append(chainOpts, lineage.WithAnchors(cfg.FoundingDocs[0], ""))
	}
	chain, err := lineage.Open(k.store, chainOpts...)
	if err != nil {
		k.store.Close()
		return nil, err
	}
	k.chain = chain

	supOpts := []SupervisorOption{
		WithRestartBudget(cfg.RestartBudget),
		WithSupervisorLogger(k.log),
	}
	if k.backend != nil {
		supOpts = append(supOpts, WithBackend(k.backend))
	}
	k.sup = NewSupervisor(supOpts...)

	k.gov = NewGovernor(k.oracle,
		WithCeilings(cfg.MaxCPUPercent, cfg.MaxMemoryMB),
		WithGovernorLogger(k.log),
	)

	gwOpts := []gateway.Option{gateway.WithLogger(k.log)}
	if cfg.RequestLogPath != "" {
		reqLog, err := gateway.OpenSQLiteLog(cfg.RequestLogPath)
		if err != nil {
			chain.Close()
			return nil, fmt.Errorf("kernel: open request log: %w", err)
		}
		k.requestLog = reqLog
		gwOpts = append(gwOpts, gateway.WithRecorder(reqLog))
	}
	k.gw = gateway.New(cfg.AllowedDomains, gwOpts...)

	if len(k.workerCmd) == 0 {
		k.workerCmd = cfg.WorkerCommand
	}
	if k.verifier == nil && len(cfg.FoundingDocs) > 0 {
		k.verifier = NewDocVerifier(cfg.FoundingDocs[0])
	}
	if k.oracle == nil {
		k.log.Warn().Msg("no balance oracle configured, all agents get the lowest quota tier")
	}
	return k, nil
}

// Register runs the admission gate for one candidate agent. The gate
// is strict and side-effect free on rejection: no registry entry, no
// process, no lineage writes.
//
// Gate order: the manifest must carry an oath, the oath must be sworn,
// and when a verifier is configured the oath's recorded document hash
// must match the current founding document. Only then is the agent
// admitted: sandbox granted, process spawned, quota set, and the
// AGENT_REGISTERED and OATH_SWORN blocks appended.
func (k *Kernel) Register(m Manifest) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if m.Oath == nil {
		return "", &AgentError{AgentID: m.Name, Err: ErrOathMissing}
	}
	if !m.Oath.Sworn {
		return "", &AgentError{AgentID: m.Name, Err: ErrOathNotSworn}
	}
	if k.verifier != nil {
		if err := k.verifier.VerifyOath(*m.Oath); err != nil {
			if errors.Is(err, ErrOathInvalid) {
				return "", &AgentError{AgentID: m.Name, Err: ErrOathInvalid}
			}
			return "", &AgentError{AgentID: m.Name, Err: fmt.Errorf("%w: %v", ErrOathInvalid, err)}
		}
	} else {
		k.log.Warn().Str("agent", m.Name).Msg("no oath verifier configured, admitting sworn oath unverified")
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	for _, rec := range k.agents {
		if rec.manifest.ID == m.ID || rec.manifest.Name == m.Name {
			return "", &AgentError{AgentID: m.Name, Err: ErrDuplicateAgent}
		}
	}

	box, err := sandbox.New(filepath.Join(k.cfg.WorkspaceRoot, m.Name))
	if err != nil {
		return "", fmt.Errorf("kernel: create sandbox for %s: %w", m.Name, err)
	}

	if _, _, err := k.gov.Resync(m.ID); err != nil {
		// Already degraded to the lowest tier inside Resync.
		k.log.Warn().Err(err).Str("agent", m.Name).Msg("initial quota from degraded balance")
	}
	if err := k.sup.Spawn(k.startSpec(m, box)); err != nil {
		k.gov.Forget(m.ID, 0)
		return "", err
	}
	k.applyQuota(m.ID)

	k.agents[m.ID] = &agentRecord{manifest: m, sandbox: box}

	if _, err := k.chain.Append(lineage.EventAgentRegistered, m.ID, map[string]any{
		"name":         m.Name,
		"version":      m.Version,
		"domain":       m.Domain,
		"capabilities": m.Capabilities,
	}); err != nil {
		return "", err
	}
	if _, err := k.chain.Append(lineage.EventOathSworn, m.ID, map[string]any{
		"document_hash": m.Oath.DocumentHash,
		"sworn_at":      m.Oath.SwornAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return "", err
	}

	k.log.Info().Str("agent", m.Name).Str("id", m.ID).Msg("agent admitted")
	return m.ID, nil
}

// startSpec builds the supervisor spec for an agent, carrying its
// sandbox root and current quota into the worker environment.
func (k *Kernel) startSpec(m Manifest, box *sandbox.FS) StartSpec {
	argv := append(append([]string{}, k.workerCmd...), "--agent", m.Name)
	spec := StartSpec{
		AgentID: m.ID,
		Argv:    argv,
		Env: []string{
			"AEGIS_AGENT_ID=" + m.ID,
			"AEGIS_AGENT_NAME=" + m.Name,
			"AEGIS_WORKSPACE=" + box.Root(),
		},
	}
	if q, ok := k.gov.CurrentQuota(m.ID); ok {
		spec.CPUPercent = q.CPUPercent
		spec.MemoryMB = q.MemoryMB
	}
	return spec
}

// applyQuota pushes an agent's current quota onto its live process.
func (k *Kernel) applyQuota(agentID string) {
	proc, ok := k.sup.Worker(agentID)
	if !ok {
		return
	}
	if err := k.gov.Apply(agentID, proc.PID()); err != nil {
		k.log.Warn().Err(err).Str("agent", agentID).Msg("quota enforcement failed")
	}
}

// Boot writes the BOOT block, flips the kernel to running, and takes
// the first pulse. Agents registered before Boot are already live;
// Boot only marks the control loop open for ticks.
func (k *Kernel) Boot() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := k.chain.Append(lineage.EventBoot, "", map[string]any{
		"agent_count": len(k.agents),
	}); err != nil {
		return err
	}
	k.running = true
	k.lastResync = time.Now()
	k.lastAudit = time.Now()
	k.pulse()
	k.log.Info().Int("agents", len(k.agents)).Msg("kernel booted")
	return nil
}

// Submit queues a task for dispatch on a later tick.
func (k *Kernel) Submit(task Task) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, ok := k.agents[task.AgentID]; !ok {
		return "", &AgentError{AgentID: task.AgentID, Err: ErrAgentNotFound}
	}
	k.queue = append(k.queue, task)
	return task.ID, nil
}

// Tick runs one control loop cycle: dispatch at most one task, poll
// worker health, drain messages, resync quotas and audit on their
// rate limits, and overwrite the pulse.
func (k *Kernel) Tick() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return ErrKernelNotRunning
	}

	k.dispatchNext()
	k.pingAgents()

	for _, ev := range k.sup.CheckHealth() {
		k.recordHealthEvent(ev)
	}
	k.drainMessages()

	if time.Since(k.lastResync) >= k.cfg.ResyncInterval {
		k.resyncQuotas()
		k.lastResync = time.Now()
	}
	if time.Since(k.lastAudit) >= k.cfg.AuditInterval {
		k.runAudit()
		k.lastAudit = time.Now()
	}

	k.pulse()
	return nil
}

// dispatchNext pops the queue head and posts it to its agent. Failed
// dispatches are logged and dropped; the task queue never wedges on a
// single bad task.
func (k *Kernel) dispatchNext() {
	if len(k.queue) == 0 {
		return
	}
	task := k.queue[0]
	k.queue = k.queue[1:]

	if k.ledger != nil {
		if err := k.ledger.RecordTaskStart(task); err != nil {
			k.log.Warn().Err(err).Str("task", task.ID).Msg("task ledger record failed")
		}
	}
	if err := k.sup.SendTask(task.AgentID, task); err != nil {
		k.log.Error().Err(err).Str("task", task.ID).Str("agent", task.AgentID).Msg("task dispatch failed")
		return
	}
	k.log.Debug().Str("task", task.ID).Str("agent", task.AgentID).Msg("task dispatched")
}

// pingAgents probes every running worker. The PONG replies land in the
// next message drain and feed the self-reported status in the pulse.
func (k *Kernel) pingAgents() {
	for id := range k.agents {
		if err := k.sup.Ping(id); err != nil && !errors.Is(err, ErrAgentNotRunning) {
			k.log.Debug().Err(err).Str("agent", id).Msg("ping failed")
		}
	}
}

// recordHealthEvent turns a supervisor transition into its lineage
// block, and re-applies the quota to a restarted process.
func (k *Kernel) recordHealthEvent(ev HealthEvent) {
	var eventType string
	data := map[string]any{"restarts": ev.Restarts}

	switch ev.Kind {
	case HealthCrashed:
		eventType = lineage.EventAgentCrashed
		if ev.Error != "" {
			data["error"] = ev.Error
		}
	case HealthRestarted:
		eventType = lineage.EventAgentRestarted
		data["pid"] = ev.PID
		k.applyQuota(ev.AgentID)
	case HealthQuarantined:
		eventType = lineage.EventAgentQuarantined
		k.log.Error().Str("agent", ev.AgentID).Int("restarts", ev.Restarts).Msg("agent quarantined")
	default:
		return
	}

	if _, err := k.chain.Append(eventType, ev.AgentID, data); err != nil {
		k.log.Error().Err(err).Str("agent", ev.AgentID).Msg("lineage write failed for health event")
	}
}

// drainMessages interprets everything the workers sent since the last
// tick.
func (k *Kernel) drainMessages() {
	for _, am := range k.sup.PendingMessages() {
		switch am.Msg.Kind {
		case KindTaskResult:
			if am.Msg.Result != nil {
				k.results = append(k.results, *am.Msg.Result)
			}
			if am.Msg.Status == "error" {
				k.log.Warn().Str("agent", am.AgentID).Str("error", am.Msg.Error).Msg("task failed")
			}
		case KindPong:
			if rec, ok := k.agents[am.AgentID]; ok {
				rec.selfStatus = am.Msg.Status
			}
		case KindCrash:
			// The supervisor already noted the diagnosis; the CRASHED
			// block lands when CheckHealth sees the process die.
			k.log.Error().Str("agent", am.AgentID).Str("error", am.Msg.Error).Msg("worker crash report")
		}
	}
}

// resyncQuotas recomputes every agent's quota from the oracle and
// pushes changes onto the live processes.
func (k *Kernel) resyncQuotas() {
	for id := range k.agents {
		_, changed, _ := k.gov.Resync(id)
		if changed {
			k.applyQuota(id)
		}
	}
}

// runAudit samples resource usage against quotas and hands the agent
// table to the external auditor when one is wired.
func (k *Kernel) runAudit() {
	pids := make(map[string]int)
	for id := range k.agents {
		if proc, ok := k.sup.Worker(id); ok && proc.Alive() {
			pids[id] = proc.PID()
		}
	}
	k.gov.Audit(pids)

	if k.auditor != nil {
		if err := k.auditor.Audit(k.sup.Statuses()); err != nil {
			k.log.Warn().Err(err).Msg("external audit failed")
		}
	}
}

// pulse overwrites the heartbeat snapshot. Best effort only.
func (k *Kernel) pulse() {
	length, err := k.chain.Len()
	valid := err == nil

	p := Pulse{
		Timestamp:  time.Now().UTC(),
		ChainLen:   length,
		ChainValid: valid,
		Agents:     make(map[string]AgentPulse, len(k.agents)),
	}
	statuses := k.sup.Statuses()
	for id, rec := range k.agents {
		ap := AgentPulse{}
		if st, ok := statuses[id]; ok {
			ap.Status = st.Status
			ap.Restarts = st.Restarts
		}
		if q, ok := k.gov.CurrentQuota(id); ok {
			ap.Quota = q
		}
		if ap.Status == StatusRunning {
			ap.Self = rec.selfStatus
		}
		p.Agents[id] = ap
	}

	if err := writePulse(k.cfg.PulsePath(), p); err != nil {
		k.log.Debug().Err(err).Msg("pulse write failed")
	}
}

// Results drains the task results collected so far.
func (k *Kernel) Results() []Result {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := k.results
	k.results = nil
	return out
}

// AgentStatus reports the supervisor's view of one agent.
func (k *Kernel) AgentStatus(agentID string) (WorkerStatus, error) {
	return k.sup.Status(agentID)
}

// Agents lists the manifests of all admitted agents.
func (k *Kernel) Agents() []Manifest {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Manifest, 0, len(k.agents))
	for _, rec := range k.agents {
		out = append(out, rec.manifest)
	}
	return out
}

// Sandbox returns the filesystem handle granted to an agent.
func (k *Kernel) Sandbox(agentID string) (*sandbox.FS, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.agents[agentID]
	if !ok {
		return nil, &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	return rec.sandbox, nil
}

// ShareReadOnly links a path outside an agent's sandbox into it, as a
// kernel-created symlink. Agents cannot create such links themselves;
// this is the only doorway for outside views (a shared source tree, a
// reference corpus).
func (k *Kernel) ShareReadOnly(agentID, target, linkName string) error {
	k.mu.Lock()
	rec, ok := k.agents[agentID]
	k.mu.Unlock()
	if !ok {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}

	priv, err := sandbox.New(rec.sandbox.Root(), sandbox.WithPrivilegedLinks())
	if err != nil {
		return err
	}
	if err := priv.CreateSymlink(target, linkName); err != nil {
		return err
	}
	k.log.Info().Str("agent", agentID).Str("target", target).Str("link", linkName).
		Msg("outside path shared into sandbox")
	return nil
}

// Gateway returns the shared network gateway.
func (k *Kernel) Gateway() *gateway.Gateway {
	return k.gw
}

// Chain returns the lineage chain for read-only inspection.
func (k *Kernel) Chain() *lineage.Chain {
	return k.chain
}

// Governor returns the resource governor.
func (k *Kernel) Governor() *Governor {
	return k.gov
}

// Shutdown records the KERNEL_SHUTDOWN block before any teardown, so
// the shutdown reason itself is tamper-evident, then stops all workers
// and closes the stores.
func (k *Kernel) Shutdown(reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := k.chain.Append(lineage.EventKernelShutdown, "", map[string]any{
		"reason":      reason,
		"agent_count": len(k.agents),
	}); err != nil {
		k.log.Error().Err(err).Msg("shutdown block write failed")
	}
	k.running = false

	k.sup.Shutdown()

	if k.requestLog != nil {
		k.requestLog.Close()
	}
	err := k.chain.Close()
	k.log.Info().Str("reason", reason).Msg("kernel shut down")
	return err
}
