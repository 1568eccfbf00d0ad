package aegis

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/goaegis/lineage"
)

// fakeBackend runs workers as in-process goroutines over pipes, so
// kernel tests exercise the full protocol without real child
// processes.
type fakeBackend struct {
	mu      sync.Mutex
	nextPID int
}

func (b *fakeBackend) Start(spec StartSpec) (WorkerProcess, error) {
	b.mu.Lock()
	b.nextPID++
	pid := 1<<20 + b.nextPID
	b.mu.Unlock()

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	p := &fakeProc{
		pid:  pid,
		in:   toWorkerW,
		out:  fromWorkerR,
		done: make(chan struct{}),
	}
	go func() {
		RunWorker(&scriptedAgent{}, toWorkerR, fromWorkerW)
		close(p.done)
	}()
	return p, nil
}

type fakeProc struct {
	pid  int
	in   io.WriteCloser
	out  io.Reader
	done chan struct{}
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProc) IO() (io.Reader, io.Writer) { return p.out, p.in }

func (p *fakeProc) Kill() error { return p.in.Close() }

func (p *fakeProc) Wait(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type recordingLedger struct {
	mu    sync.Mutex
	tasks []Task
}

func (l *recordingLedger) RecordTaskStart(task Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, task)
	return nil
}

func (l *recordingLedger) recorded() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Task{}, l.tasks...)
}

// writeFoundingDocs creates a philosophy and rules document pair.
func writeFoundingDocs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	phil := filepath.Join(dir, "PHILOSOPHY.md")
	rules := filepath.Join(dir, "RULES.md")
	os.WriteFile(phil, []byte("serve and do no harm\n"), 0o644)
	os.WriteFile(rules, []byte("1. stay in your sandbox\n"), 0o644)
	return phil, rules
}

func testConfig(t *testing.T, phil, rules string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		LedgerPath:     filepath.Join(dir, "lineage.db"),
		RequestLogPath: filepath.Join(dir, "requests.db"),
		WorkspaceRoot:  filepath.Join(dir, "workspace"),
		FoundingDocs:   []string{phil, rules},
		RestartBudget:  3,
		TickInterval:   10 * time.Millisecond,
		ResyncInterval: time.Hour,
		AuditInterval:  time.Hour,
		MaxCPUPercent:  80,
		MaxMemoryMB:    2048,
		WorkerCommand:  []string{"aegis", "worker"},
	}
}

func newTestKernel(t *testing.T, cfg Config, extra ...KernelOption) *Kernel {
	t.Helper()
	opts := append([]KernelOption{
		WithLineageStore(lineage.NewMemoryStore()),
		WithProcessBackend(&fakeBackend{}),
	}, extra...)
	k, err := NewKernel(cfg, opts...)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	t.Cleanup(func() { k.Shutdown("test cleanup") })
	return k
}

func swornManifest(t *testing.T, name, phil string) Manifest {
	t.Helper()
	oath, err := SwearOath(phil, "I will respect the rules")
	if err != nil {
		t.Fatalf("SwearOath: %v", err)
	}
	return Manifest{Name: name, Version: "1.0.0", Oath: oath}
}

func TestAdmissionGateRejections(t *testing.T) {
	phil, rules := writeFoundingDocs(t)

	badOath, _ := SwearOath(rules, "wrong document") // hash of the wrong doc
	unsworn, _ := SwearOath(phil, "half-hearted")
	unsworn.Sworn = false

	tests := []struct {
		name     string
		manifest Manifest
		wantErr  error
	}{
		{"no oath", Manifest{Name: "godless"}, ErrOathMissing},
		{"unsworn oath", Manifest{Name: "hesitant", Oath: unsworn}, ErrOathNotSworn},
		{"wrong document hash", Manifest{Name: "forger", Oath: badOath}, ErrOathInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t, testConfig(t, phil, rules))

			_, err := k.Register(tt.manifest)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Register error = %v, want %v", err, tt.wantErr)
			}

			// Rejection must leave no trace: no registry entry, no
			// lineage writes beyond genesis.
			if got := len(k.Agents()); got != 0 {
				t.Errorf("registry has %d agents after rejection", got)
			}
			n, err := k.Chain().Len()
			if err != nil {
				t.Fatalf("Len: %v", err)
			}
			if n != 1 {
				t.Errorf("chain length = %d after rejection, want 1 (genesis only)", n)
			}
		})
	}
}

func TestRegistrationWritesLineagePairs(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	names := []string{"scribe", "courier", "archivist"}
	ids := make([]string, len(names))
	for i, name := range names {
		id, err := k.Register(swornManifest(t, name, phil))
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		ids[i] = id
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	blocks, err := k.Chain().Blocks()
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	want := []string{
		lineage.EventGenesis,
		lineage.EventAgentRegistered, lineage.EventOathSworn,
		lineage.EventAgentRegistered, lineage.EventOathSworn,
		lineage.EventAgentRegistered, lineage.EventOathSworn,
		lineage.EventBoot,
	}
	if len(blocks) != len(want) {
		t.Fatalf("chain has %d blocks, want %d", len(blocks), len(want))
	}
	for i, b := range blocks {
		if b.EventType != want[i] {
			t.Errorf("block %d event = %s, want %s", i, b.EventType, want[i])
		}
	}
	// Each registration pair belongs to one agent, in admission order.
	for i, id := range ids {
		reg := blocks[1+2*i]
		oath := blocks[2+2*i]
		if reg.AgentID != id || oath.AgentID != id {
			t.Errorf("pair %d agent ids = %s/%s, want %s", i, reg.AgentID, oath.AgentID, id)
		}
	}

	if err := k.Chain().Verify(); err != nil {
		t.Errorf("Verify after registrations: %v", err)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	if _, err := k.Register(swornManifest(t, "scribe", phil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := k.Register(swornManifest(t, "scribe", phil))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("error = %v, want ErrDuplicateAgent", err)
	}
}

func TestShutdownWritesFinalBlock(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	if _, err := k.Register(swornManifest(t, "scribe", phil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := k.Shutdown("planned maintenance"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := k.Tick(); !errors.Is(err, ErrKernelNotRunning) {
		t.Errorf("Tick after shutdown = %v, want ErrKernelNotRunning", err)
	}
}

func TestShutdownBlockPrecedesTeardown(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	store := lineage.NewMemoryStore()
	cfg := testConfig(t, phil, rules)
	k, err := NewKernel(cfg,
		WithLineageStore(store),
		WithProcessBackend(&fakeBackend{}),
	)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	if _, err := k.Register(swornManifest(t, "scribe", phil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	k.Boot()
	if err := k.Shutdown("end of test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	blocks, _ := store.All()
	last := blocks[len(blocks)-1]
	if last.EventType != lineage.EventKernelShutdown {
		t.Fatalf("last block = %s, want %s", last.EventType, lineage.EventKernelShutdown)
	}
	if last.Data["reason"] != "end of test" {
		t.Errorf("shutdown reason = %v, want end of test", last.Data["reason"])
	}
	if last.Data["agent_count"] != float64(1) && last.Data["agent_count"] != 1 {
		t.Errorf("agent_count = %v, want 1", last.Data["agent_count"])
	}
}

func TestTaskDispatchAndResult(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	ledger := &recordingLedger{}
	k := newTestKernel(t, testConfig(t, phil, rules), WithTaskLedger(ledger))

	id, err := k.Register(swornManifest(t, "scribe", phil))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	taskID, err := k.Submit(Task{AgentID: id, Description: "transcribe this"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var results []Result
	waitFor(t, "task result", func() bool {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		results = append(results, k.Results()...)
		return len(results) > 0
	})

	if results[0].TaskID != taskID {
		t.Errorf("result task id = %s, want %s", results[0].TaskID, taskID)
	}
	if results[0].Output != "TRANSCRIBE THIS" {
		t.Errorf("output = %q", results[0].Output)
	}

	recorded := ledger.recorded()
	if len(recorded) != 1 || recorded[0].ID != taskID {
		t.Errorf("ledger recorded %+v, want task %s", recorded, taskID)
	}
}

func TestSubmitToUnknownAgent(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	_, err := k.Submit(Task{AgentID: "ghost"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("error = %v, want ErrAgentNotFound", err)
	}
}

func TestQuotaResyncOnBalanceRise(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	oracle := &fakeOracle{credits: 80}
	cfg := testConfig(t, phil, rules)
	cfg.ResyncInterval = 10 * time.Millisecond
	k := newTestKernel(t, cfg, WithBalanceOracle(oracle))

	id, err := k.Register(swornManifest(t, "scribe", phil))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	q, ok := k.Governor().CurrentQuota(id)
	if !ok {
		t.Fatal("no quota after registration")
	}
	if want := (Quota{CPUPercent: 5, MemoryMB: 50}); q != want {
		t.Fatalf("initial quota = %+v, want %+v", q, want)
	}

	// The balance rises between resync cycles.
	oracle.credits = 600
	waitFor(t, "quota tier move", func() bool {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		q, _ := k.Governor().CurrentQuota(id)
		return q == Quota{CPUPercent: 25, MemoryMB: 512}
	})
}

func TestCrashRecoveryRecordedInLineage(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	id, err := k.Register(swornManifest(t, "volatile", phil))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if _, err := k.Submit(Task{AgentID: id, Payload: map[string]any{"panic": true}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, "crash recovery", func() bool {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		st, err := k.AgentStatus(id)
		if err != nil {
			return false
		}
		return st.Status == StatusRunning && st.Restarts == 1
	})

	lineageBlocks, err := k.Chain().AgentLineage(id)
	if err != nil {
		t.Fatalf("AgentLineage: %v", err)
	}
	var sawCrash, sawRestart bool
	for _, b := range lineageBlocks {
		switch b.EventType {
		case lineage.EventAgentCrashed:
			sawCrash = true
		case lineage.EventAgentRestarted:
			sawRestart = true
		}
	}
	if !sawCrash || !sawRestart {
		t.Errorf("agent lineage missing crash/restart blocks: %+v", lineageBlocks)
	}
	if err := k.Chain().Verify(); err != nil {
		t.Errorf("Verify after crash recovery: %v", err)
	}
}

func TestSandboxGrantedPerAgent(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	cfg := testConfig(t, phil, rules)
	k := newTestKernel(t, cfg)

	id, err := k.Register(swornManifest(t, "scribe", phil))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	box, err := k.Sandbox(id)
	if err != nil {
		t.Fatalf("Sandbox: %v", err)
	}
	if !strings.HasPrefix(box.Root(), cfg.WorkspaceRoot) {
		t.Errorf("sandbox root %s outside workspace %s", box.Root(), cfg.WorkspaceRoot)
	}
	if err := box.WriteText("notes/hello.txt", "hi"); err != nil {
		t.Errorf("sandbox write: %v", err)
	}

	if _, err := k.Sandbox("ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Sandbox(ghost) error = %v, want ErrAgentNotFound", err)
	}
}

func TestShareReadOnlyCreatesOutboundLink(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	k := newTestKernel(t, testConfig(t, phil, rules))

	id, err := k.Register(swornManifest(t, "scribe", phil))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "corpus.txt")
	os.WriteFile(outside, []byte("shared knowledge"), 0o644)

	if err := k.ShareReadOnly(id, outside, "corpus.txt"); err != nil {
		t.Fatalf("ShareReadOnly: %v", err)
	}

	// The agent's own handle refuses outbound links but reads through
	// kernel-created ones.
	box, _ := k.Sandbox(id)
	if err := box.CreateSymlink(outside, "own-link.txt"); err == nil {
		t.Error("agent handle created an outbound symlink")
	}
	got, err := box.ReadText("corpus.txt")
	if err != nil {
		t.Fatalf("read through shared link: %v", err)
	}
	if got != "shared knowledge" {
		t.Errorf("read %q through shared link", got)
	}
}

func TestPulseWritten(t *testing.T) {
	phil, rules := writeFoundingDocs(t)
	cfg := testConfig(t, phil, rules)
	k := newTestKernel(t, cfg)

	if _, err := k.Register(swornManifest(t, "scribe", phil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := k.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	data, err := os.ReadFile(cfg.PulsePath())
	if err != nil {
		t.Fatalf("pulse not written: %v", err)
	}
	if !strings.Contains(string(data), "chain_len") {
		t.Errorf("pulse content unexpected: %s", data)
	}

	// Ticking pings the worker; its PONG feeds the self-reported
	// status into a later pulse.
	waitFor(t, "self-reported status in pulse", func() bool {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		data, err := os.ReadFile(cfg.PulsePath())
		if err != nil {
			return false
		}
		return strings.Contains(string(data), `"self_reported": "idle"`)
	})
}
