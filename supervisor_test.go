package aegis

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperWorker is not a real test: it is the worker process body
// re-executed by the supervisor tests, in the helper-process pattern.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("AEGIS_HELPER_WORKER") != "1" {
		return
	}
	if err := RunWorker(&scriptedAgent{}, os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperSpec(agentID string) StartSpec {
	return StartSpec{
		AgentID: agentID,
		Argv:    []string{os.Args[0], "-test.run=TestHelperWorker"},
		Env:     []string{"AEGIS_HELPER_WORKER=1"},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainUntil runs CheckHealth and PendingMessages until the predicate
// matches a drained message.
func drainUntil(t *testing.T, sup *Supervisor, what string, match func(AgentMessage) bool) AgentMessage {
	t.Helper()
	var found AgentMessage
	waitFor(t, what, func() bool {
		for _, am := range sup.PendingMessages() {
			if match(am) {
				found = am
				return true
			}
		}
		return false
	})
	return found
}

func newTestSupervisor(t *testing.T, budget int) *Supervisor {
	t.Helper()
	sup := NewSupervisor(
		WithRestartBudget(budget),
		WithGraceTimeout(2*time.Second),
	)
	t.Cleanup(sup.Shutdown)
	return sup
}

func TestSpawnAndTaskRoundTrip(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	st, err := sup.Status("a1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", st.Status, StatusRunning)
	}
	if st.PID == 0 {
		t.Error("worker has no pid")
	}

	if err := sup.SendTask("a1", Task{ID: "t1", Description: "ping me"}); err != nil {
		t.Fatalf("SendTask: %v", err)
	}

	am := drainUntil(t, sup, "task result", func(am AgentMessage) bool {
		return am.Msg.Kind == KindTaskResult
	})
	if am.AgentID != "a1" {
		t.Errorf("result from %q, want a1", am.AgentID)
	}
	if am.Msg.Result == nil || am.Msg.Result.Output != "PING ME" {
		t.Errorf("result = %+v, want output PING ME", am.Msg.Result)
	}
}

func TestDuplicateSpawnRejected(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	err := sup.Spawn(helperSpec("a1"))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("second spawn error = %v, want ErrDuplicateAgent", err)
	}
}

func TestSendTaskToUnknownAgent(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	err := sup.SendTask("ghost", Task{ID: "t1"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("error = %v, want ErrAgentNotFound", err)
	}
}

// crashWorker sends a panic-inducing task and waits for the process to
// die.
func crashWorker(t *testing.T, sup *Supervisor, agentID string) {
	t.Helper()
	if err := sup.SendTask(agentID, Task{ID: "boom", Payload: map[string]any{"panic": true}}); err != nil {
		t.Fatalf("SendTask(panic): %v", err)
	}
	proc, ok := sup.Worker(agentID)
	if !ok {
		t.Fatalf("no live worker for %s", agentID)
	}
	waitFor(t, "process death", func() bool { return !proc.Alive() })
}

func TestCrashRestartsWorker(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	before, _ := sup.Status("a1")

	crashWorker(t, sup, "a1")
	events := sup.CheckHealth()

	var sawCrash, sawRestart bool
	for _, ev := range events {
		switch ev.Kind {
		case HealthCrashed:
			sawCrash = true
			if ev.Restarts != 1 {
				t.Errorf("crash event restarts = %d, want 1", ev.Restarts)
			}
		case HealthRestarted:
			sawRestart = true
		}
	}
	if !sawCrash || !sawRestart {
		t.Fatalf("events = %+v, want crash followed by restart", events)
	}

	after, err := sup.Status("a1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Status != StatusRunning {
		t.Errorf("status = %s, want %s", after.Status, StatusRunning)
	}
	if after.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", after.Restarts)
	}
	if after.PID == before.PID {
		t.Error("restarted worker kept the old pid")
	}

	// The replacement process must serve tasks.
	if err := sup.SendTask("a1", Task{ID: "t2", Description: "still here"}); err != nil {
		t.Fatalf("SendTask after restart: %v", err)
	}
	drainUntil(t, sup, "post-restart result", func(am AgentMessage) bool {
		return am.Msg.Kind == KindTaskResult && am.Msg.Result != nil && am.Msg.Result.TaskID == "t2"
	})
}

func TestRestartBudgetLeadsToQuarantine(t *testing.T) {
	budget := 2
	sup := newTestSupervisor(t, budget)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Crashes within budget restart the worker.
	for i := 1; i <= budget; i++ {
		crashWorker(t, sup, "a1")
		sup.CheckHealth()
		st, _ := sup.Status("a1")
		if st.Status != StatusRunning {
			t.Fatalf("after crash %d: status = %s, want %s", i, st.Status, StatusRunning)
		}
		if st.Restarts != i {
			t.Fatalf("after crash %d: restarts = %d", i, st.Restarts)
		}
	}

	// The crash beyond the budget is terminal.
	crashWorker(t, sup, "a1")
	events := sup.CheckHealth()

	var quarantined bool
	for _, ev := range events {
		if ev.Kind == HealthQuarantined {
			quarantined = true
		}
	}
	if !quarantined {
		t.Fatalf("events = %+v, want quarantine", events)
	}

	st, _ := sup.Status("a1")
	if st.Status != StatusQuarantined {
		t.Errorf("status = %s, want %s", st.Status, StatusQuarantined)
	}
	if st.Restarts != budget+1 {
		t.Errorf("restarts = %d, want %d", st.Restarts, budget+1)
	}

	if err := sup.SendTask("a1", Task{ID: "t1"}); !errors.Is(err, ErrAgentQuarantined) {
		t.Errorf("SendTask error = %v, want ErrAgentQuarantined", err)
	}
	if err := sup.Spawn(helperSpec("a1")); !errors.Is(err, ErrAgentQuarantined) {
		t.Errorf("respawn error = %v, want ErrAgentQuarantined", err)
	}
	if events := sup.CheckHealth(); len(events) != 0 {
		t.Errorf("quarantined agent produced further events: %+v", events)
	}
}

// capacityBackend serves a limited number of starts and then fails,
// standing in for a backend that loses the ability to spawn.
type capacityBackend struct {
	inner  ProcessBackend
	limit  int
	starts int
}

func (b *capacityBackend) Start(spec StartSpec) (WorkerProcess, error) {
	b.starts++
	if b.starts > b.limit {
		return nil, errors.New("backend out of capacity")
	}
	return b.inner.Start(spec)
}

func TestFailedRespawnRetriesUntilQuarantine(t *testing.T) {
	budget := 2
	backend := &capacityBackend{inner: &ExecBackend{}, limit: 1}
	sup := NewSupervisor(
		WithBackend(backend),
		WithRestartBudget(budget),
		WithGraceTimeout(2*time.Second),
	)
	t.Cleanup(sup.Shutdown)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	crashWorker(t, sup, "a1")

	// Every respawn attempt fails; each later cycle must retry and
	// count against the budget until the agent is quarantined.
	var quarantined bool
	for i := 0; i < budget+2 && !quarantined; i++ {
		for _, ev := range sup.CheckHealth() {
			if ev.Kind == HealthQuarantined {
				quarantined = true
			}
		}
	}
	if !quarantined {
		t.Fatal("agent never quarantined after repeated respawn failures")
	}

	st, _ := sup.Status("a1")
	if st.Status != StatusQuarantined {
		t.Errorf("status = %s, want %s", st.Status, StatusQuarantined)
	}
	if st.Restarts != budget+1 {
		t.Errorf("restarts = %d, want %d", st.Restarts, budget+1)
	}
	if backend.starts < 2 {
		t.Errorf("backend starts = %d, want respawn attempts after the crash", backend.starts)
	}
	if events := sup.CheckHealth(); len(events) != 0 {
		t.Errorf("quarantined agent produced further events: %+v", events)
	}
}

// scriptedOutputBackend hands out inert processes whose stdout replays
// a fixed byte stream.
type scriptedOutputBackend struct {
	output string
}

func (b *scriptedOutputBackend) Start(spec StartSpec) (WorkerProcess, error) {
	stdoutR, stdoutW := io.Pipe()
	go func() {
		io.Copy(stdoutW, strings.NewReader(b.output))
		// Leave the pipe open so the process reads as alive.
	}()
	return &inertProc{stdout: stdoutR}, nil
}

type inertProc struct {
	stdout io.Reader
}

func (p *inertProc) PID() int                       { return 4242 }
func (p *inertProc) Alive() bool                    { return true }
func (p *inertProc) IO() (io.Reader, io.Writer)     { return p.stdout, io.Discard }
func (p *inertProc) Kill() error                    { return nil }
func (p *inertProc) Wait(timeout time.Duration) bool { return true }

func TestPumpSurvivesStrayWorkerOutput(t *testing.T) {
	backend := &scriptedOutputBackend{
		output: "library noise, not a message\n" +
			`{"kind":"PONG","status":"idle"}` + "\n",
	}
	sup := NewSupervisor(WithBackend(backend))
	t.Cleanup(sup.Shutdown)

	if err := sup.Spawn(StartSpec{AgentID: "a1", Argv: []string{"unused"}}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// The message after the stray line must still arrive.
	am := drainUntil(t, sup, "pong after stray output", func(am AgentMessage) bool {
		return am.Msg.Kind == KindPong
	})
	if am.Msg.Status != "idle" {
		t.Errorf("pong status = %q, want idle", am.Msg.Status)
	}
}

func TestKilledWorkerCrashCarriesExitDiagnosis(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc, _ := sup.Worker("a1")

	// Killed from outside: no CRASH message, only the exit status.
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, "process death", func() bool { return !proc.Alive() })

	var crash *HealthEvent
	for _, ev := range sup.CheckHealth() {
		if ev.Kind == HealthCrashed {
			crash = &ev
			break
		}
	}
	if crash == nil {
		t.Fatal("no crash event after kill")
	}
	if crash.Error == "" {
		t.Error("crash event carries no diagnosis for an abnormal exit")
	}
}

func TestCrashDoesNotDisturbOtherAgents(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("victim")); err != nil {
		t.Fatalf("Spawn victim: %v", err)
	}
	if err := sup.Spawn(helperSpec("bystander")); err != nil {
		t.Fatalf("Spawn bystander: %v", err)
	}

	crashWorker(t, sup, "victim")
	sup.CheckHealth()

	st, err := sup.Status("bystander")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != StatusRunning || st.Restarts != 0 {
		t.Errorf("bystander = %+v, want untouched RUNNING", st)
	}

	if err := sup.SendTask("bystander", Task{ID: "t1", Description: "ok"}); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	drainUntil(t, sup, "bystander result", func(am AgentMessage) bool {
		return am.AgentID == "bystander" && am.Msg.Kind == KindTaskResult
	})
}

func TestPingYieldsPong(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := sup.Ping("a1"); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	am := drainUntil(t, sup, "pong", func(am AgentMessage) bool {
		return am.Msg.Kind == KindPong
	})
	if am.Msg.Status != "idle" {
		t.Errorf("pong status = %q, want idle", am.Msg.Status)
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	sup := NewSupervisor(WithGraceTimeout(3 * time.Second))

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc, _ := sup.Worker("a1")

	sup.Shutdown()

	waitFor(t, "worker exit", func() bool { return !proc.Alive() })
	st, _ := sup.Status("a1")
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want %s", st.Status, StatusStopped)
	}
}

func TestStopSingleWorker(t *testing.T) {
	sup := newTestSupervisor(t, 3)

	if err := sup.Spawn(helperSpec("a1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc, _ := sup.Worker("a1")

	if err := sup.Stop("a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "worker exit", func() bool { return !proc.Alive() })

	if err := sup.SendTask("a1", Task{ID: "t1"}); !errors.Is(err, ErrAgentNotRunning) {
		t.Errorf("SendTask error = %v, want ErrAgentNotRunning", err)
	}
}
