package aegis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StartSpec describes how to start one worker process. The supervisor
// keeps the spec so crashed workers respawn with the same implementation
// and configuration.
type StartSpec struct {
	// AgentID identifies the agent the worker runs.
	AgentID string

	// Argv is the worker command line.
	Argv []string

	// Env is appended to the inherited environment.
	Env []string

	// CPUPercent and MemoryMB are resource ceilings for backends that
	// apply limits at start time (containers).
	CPUPercent int
	MemoryMB   int
}

// WorkerProcess is a live worker as seen by the supervisor: a process
// handle plus the duplex byte channel carrying the message protocol.
type WorkerProcess interface {
	// PID returns the OS process id.
	PID() int

	// Alive reports whether the process is still running.
	Alive() bool

	// IO returns the inbound (worker stdout) and outbound (worker
	// stdin) halves of the message channel.
	IO() (io.Reader, io.Writer)

	// Kill force-terminates the process.
	Kill() error

	// Wait blocks until the process exits or the timeout elapses,
	// reporting whether it exited.
	Wait(timeout time.Duration) bool
}

// ProcessBackend starts worker processes. The default backend execs the
// worker command directly; the container backend runs it inside a
// resource-capped container.
type ProcessBackend interface {
	Start(spec StartSpec) (WorkerProcess, error)
}

// HealthEventKind classifies supervisor state transitions.
type HealthEventKind string

const (
	HealthCrashed     HealthEventKind = "crashed"
	HealthRestarted   HealthEventKind = "restarted"
	HealthQuarantined HealthEventKind = "quarantined"
)

// HealthEvent reports a lifecycle transition detected by CheckHealth.
type HealthEvent struct {
	AgentID  string
	Kind     HealthEventKind
	Restarts int
	PID      int
	Error    string
}

// AgentMessage pairs a drained IPC message with its sender.
type AgentMessage struct {
	AgentID string
	Msg     Envelope
}

// WorkerStatus is the externally visible state of one tracked worker.
type WorkerStatus struct {
	AgentID  string
	Status   Status
	Restarts int
	PID      int
	LastErr  string
}

// Supervisor owns one OS process per agent: spawn, liveness polling,
// bounded restart, quarantine, and teardown. All methods are safe for
// concurrent use, though the kernel drives them from a single loop.
type Supervisor struct {
	mu      sync.RWMutex
	workers map[string]*trackedWorker

	backend ProcessBackend
	budget  int
	grace   time.Duration
	log     zerolog.Logger
}

// trackedWorker is the supervisor's record for one agent process.
type trackedWorker struct {
	spec     StartSpec
	proc     WorkerProcess
	conn     *ipcConn
	inbound  chan Envelope
	status   Status
	restarts int
	lastErr  string
	lastSeen time.Time
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackend replaces the process backend.
func WithBackend(b ProcessBackend) SupervisorOption {
	return func(s *Supervisor) {
		s.backend = b
	}
}

// WithRestartBudget sets how many crashes an agent survives before
// quarantine.
func WithRestartBudget(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.budget = n
	}
}

// WithGraceTimeout sets the graceful-stop window used at shutdown.
func WithGraceTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// WithSupervisorLogger sets the supervisor's logger.
func WithSupervisorLogger(log zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// NewSupervisor creates a supervisor with the default exec backend.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		workers: make(map[string]*trackedWorker),
		backend: &ExecBackend{},
		budget:  DefaultRestartBudget,
		grace:   DefaultGracefulStopTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts a worker process for an agent and begins tracking it.
func (s *Supervisor) Spawn(spec StartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.workers[spec.AgentID]; ok {
		if existing.status == StatusQuarantined {
			return &AgentError{AgentID: spec.AgentID, Err: ErrAgentQuarantined}
		}
		return &AgentError{AgentID: spec.AgentID, Err: ErrDuplicateAgent}
	}

	w := &trackedWorker{
		spec:    spec,
		status:  StatusInit,
		inbound: make(chan Envelope, 64),
	}
	if err := s.startLocked(w); err != nil {
		return err
	}
	s.workers[spec.AgentID] = w
	return nil
}

// startLocked starts (or restarts) the worker process for w.
func (s *Supervisor) startLocked(w *trackedWorker) error {
	proc, err := s.backend.Start(w.spec)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", w.spec.AgentID, err)
	}
	r, wr := proc.IO()
	conn := newIPCConn(r, wr)

	w.proc = proc
	w.conn = conn
	w.status = StatusRunning
	w.lastSeen = time.Now()

	go s.readLoop(w.spec.AgentID, conn, w.inbound)

	s.log.Info().Str("agent", w.spec.AgentID).Int("pid", proc.PID()).Msg("worker started")
	return nil
}

// readLoop pumps inbound envelopes into the worker's channel until the
// channel half closes. Undecodable lines — a stray library print on the
// worker's stdout — are skipped, not fatal, so later results still get
// through. CRASH diagnoses are noted on the way through.
func (s *Supervisor) readLoop(agentID string, conn *ipcConn, inbound chan<- Envelope) {
	for {
		env, err := conn.receive()
		if err != nil {
			if errors.Is(err, errMalformed) {
				s.log.Warn().Err(err).Str("agent", agentID).Msg("skipping undecodable worker output")
				continue
			}
			return
		}
		if env.Kind == KindCrash {
			s.mu.Lock()
			if w, ok := s.workers[agentID]; ok {
				w.lastErr = env.Error
			}
			s.mu.Unlock()
			s.log.Warn().Str("agent", agentID).Str("error", env.Error).Msg("worker reported crash")
		}
		select {
		case inbound <- env:
		default:
			s.log.Warn().Str("agent", agentID).Str("kind", string(env.Kind)).Msg("inbound queue full, message dropped")
		}
	}
}

// SendTask posts a task to a running agent. Fire-and-forget: the result
// arrives asynchronously via PendingMessages.
func (s *Supervisor) SendTask(agentID string, task Task) error {
	s.mu.RLock()
	w, ok := s.workers[agentID]
	s.mu.RUnlock()

	if !ok {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	switch w.status {
	case StatusQuarantined:
		return &AgentError{AgentID: agentID, Err: ErrAgentQuarantined}
	case StatusRunning:
	default:
		return &AgentError{AgentID: agentID, Err: ErrAgentNotRunning}
	}
	return w.conn.send(Envelope{Kind: KindTask, Task: &task})
}

// Ping sends a liveness probe to a running agent. Replies surface later
// as PONG messages.
func (s *Supervisor) Ping(agentID string) error {
	s.mu.RLock()
	w, ok := s.workers[agentID]
	s.mu.RUnlock()
	if !ok {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	if w.status != StatusRunning {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotRunning}
	}
	return w.conn.send(Envelope{Kind: KindPing})
}

// exitReporter is satisfied by process handles that can report why the
// process exited. Used for the crash diagnosis when the worker died
// without sending a CRASH message.
type exitReporter interface {
	ExitError() error
}

// CheckHealth polls liveness of every tracked process. Dead processes
// transition to CRASHED and are either respawned with the same spec or,
// once the restart budget is exhausted, quarantined. The restart counter
// persists across respawns, and a worker whose respawn failed is
// retried on every later cycle — each retry counting against the same
// budget — so CRASHED is always transient and QUARANTINED the only
// terminal state.
func (s *Supervisor) CheckHealth() []HealthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []HealthEvent
	for id, w := range s.workers {
		switch w.status {
		case StatusRunning:
			if w.proc.Alive() {
				continue
			}
			w.status = StatusCrashed
			w.restarts++
			if w.lastErr == "" {
				if er, ok := w.proc.(exitReporter); ok {
					if err := er.ExitError(); err != nil {
						w.lastErr = err.Error()
					}
				}
			}
			events = append(events, HealthEvent{
				AgentID:  id,
				Kind:     HealthCrashed,
				Restarts: w.restarts,
				Error:    w.lastErr,
			})

		case StatusCrashed:
			// A respawn failed on an earlier cycle. Each retry counts
			// against the same budget, so a persistently failing
			// backend still converges to quarantine.
			w.restarts++

		default:
			continue
		}

		if w.restarts > s.budget {
			w.status = StatusQuarantined
			events = append(events, HealthEvent{
				AgentID:  id,
				Kind:     HealthQuarantined,
				Restarts: w.restarts,
				Error:    w.lastErr,
			})
			s.log.Error().Str("agent", id).Int("restarts", w.restarts).
				Msg("restart budget exhausted, agent quarantined")
			continue
		}

		if err := s.startLocked(w); err != nil {
			s.log.Error().Err(err).Str("agent", id).Msg("respawn failed")
			continue
		}
		events = append(events, HealthEvent{
			AgentID:  id,
			Kind:     HealthRestarted,
			Restarts: w.restarts,
			PID:      w.proc.PID(),
		})
		s.log.Warn().Str("agent", id).Int("restarts", w.restarts).Int("pid", w.proc.PID()).
			Msg("worker crashed, restarted")
	}
	return events
}

// PendingMessages drains every worker's inbound channel without
// blocking, pairing each message with its agent id.
func (s *Supervisor) PendingMessages() []AgentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AgentMessage
	for id, w := range s.workers {
	drain:
		for {
			select {
			case env := <-w.inbound:
				out = append(out, AgentMessage{AgentID: id, Msg: env})
			default:
				break drain
			}
		}
	}
	return out
}

// Worker returns the live process handle for an agent.
func (s *Supervisor) Worker(agentID string) (WorkerProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[agentID]
	if !ok || w.proc == nil {
		return nil, false
	}
	return w.proc, true
}

// Status returns the lifecycle state and restart count for an agent.
func (s *Supervisor) Status(agentID string) (WorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[agentID]
	if !ok {
		return WorkerStatus{}, &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	return s.statusLocked(agentID, w), nil
}

// Statuses returns the state of every tracked worker.
func (s *Supervisor) Statuses() map[string]WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]WorkerStatus, len(s.workers))
	for id, w := range s.workers {
		out[id] = s.statusLocked(id, w)
	}
	return out
}

func (s *Supervisor) statusLocked(id string, w *trackedWorker) WorkerStatus {
	st := WorkerStatus{
		AgentID:  id,
		Status:   w.status,
		Restarts: w.restarts,
		LastErr:  w.lastErr,
	}
	if w.proc != nil {
		st.PID = w.proc.PID()
	}
	return st
}

// Stop gracefully stops one agent's worker: STOP, bounded wait, then
// force-kill. The agent record remains with status STOPPED.
func (s *Supervisor) Stop(agentID string) error {
	s.mu.Lock()
	w, ok := s.workers[agentID]
	if !ok {
		s.mu.Unlock()
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	if w.status != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	w.status = StatusStopped
	conn, proc := w.conn, w.proc
	s.mu.Unlock()

	conn.send(Envelope{Kind: KindStop})
	if !proc.Wait(s.grace) {
		s.log.Warn().Str("agent", agentID).Msg("worker ignored stop, killing")
		proc.Kill()
	}
	return nil
}

// Shutdown stops every live worker: STOP to all, one bounded join, then
// force-termination of stragglers.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	var live []*trackedWorker
	for _, w := range s.workers {
		if w.status == StatusRunning {
			w.status = StatusStopped
			live = append(live, w)
		}
	}
	s.mu.Unlock()

	for _, w := range live {
		w.conn.send(Envelope{Kind: KindStop})
	}

	deadline := time.Now().Add(s.grace)
	for _, w := range live {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !w.proc.Wait(remaining) {
			s.log.Warn().Str("agent", w.spec.AgentID).Msg("worker ignored stop, killing")
			w.proc.Kill()
		}
	}
}

// ExecBackend starts workers as plain child processes with the message
// channel on their stdio.
type ExecBackend struct {
	// Stderr receives worker stderr output; defaults to the parent's.
	Stderr io.Writer
}

// Start launches the worker command.
func (b *ExecBackend) Start(spec StartSpec) (WorkerProcess, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("exec backend: empty worker command for %s", spec.AgentID)
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if b.Stderr != nil {
		cmd.Stderr = b.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// An io.Pipe instead of StdoutPipe: Wait then drains stdout fully
	// before returning, so a dying worker's last message is never lost.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, err
	}

	w := &execWorker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		done:   make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		pw.Close()
		close(w.done)
	}()
	return w, nil
}

// execWorker is a WorkerProcess over an exec.Cmd.
type execWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	done    chan struct{}
	waitErr error
}

func (w *execWorker) PID() int {
	return w.cmd.Process.Pid
}

func (w *execWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *execWorker) IO() (io.Reader, io.Writer) {
	return w.stdout, w.stdin
}

func (w *execWorker) Kill() error {
	return w.cmd.Process.Kill()
}

func (w *execWorker) Wait(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ExitError returns the process exit error once it has exited.
func (w *execWorker) ExitError() error {
	select {
	case <-w.done:
		return w.waitErr
	default:
		return nil
	}
}
