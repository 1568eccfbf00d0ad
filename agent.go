package aegis

import (
	"context"
	"time"
)

// Agent is the capability surface the kernel requires of a worker
// implementation. The kernel and supervisor depend only on this
// interface, never on concrete agent types; business logic lives
// entirely behind it, in the worker's own process.
type Agent interface {
	// Process executes a task synchronously and returns its result.
	Process(ctx context.Context, task Task) (Result, error)

	// Describe returns the agent's manifest.
	Describe() Manifest

	// ReportStatus returns a short self-reported status string.
	ReportStatus() string
}

// Manifest identifies an agent at registration time.
type Manifest struct {
	// ID is the unique agent identifier. Assigned by the kernel when
	// empty.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable identifier.
	Name string `json:"name" yaml:"name"`

	// Version is the agent implementation version.
	Version string `json:"version" yaml:"version"`

	// Domain tags the agent's area of responsibility.
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`

	// Capabilities lists what the agent may be asked to do.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Oath is the admission credential. Registration is refused
	// without a valid one.
	Oath *Oath `json:"oath,omitempty" yaml:"oath,omitempty"`
}

// Task is a unit of work dispatched to an agent.
type Task struct {
	// ID identifies the task. Assigned by the kernel when empty.
	ID string `json:"id"`

	// AgentID is the target agent.
	AgentID string `json:"agent_id"`

	// Description says what to do.
	Description string `json:"description"`

	// Payload carries task parameters.
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is an agent's response to a task.
type Result struct {
	TaskID string         `json:"task_id"`
	Output string         `json:"output,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Status is an agent's lifecycle state as tracked by the supervisor.
type Status string

const (
	StatusInit        Status = "init"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusCrashed     Status = "crashed"
	StatusQuarantined Status = "quarantined"
)

// Default configuration values
const (
	// DefaultRestartBudget is how many crashes an agent survives before
	// quarantine.
	DefaultRestartBudget = 3

	// DefaultTickInterval is the default kernel control loop cadence.
	DefaultTickInterval = 1 * time.Second

	// DefaultResyncInterval bounds how often quotas are recomputed from
	// the balance oracle.
	DefaultResyncInterval = 60 * time.Second

	// DefaultAuditInterval bounds how often the external auditor runs.
	DefaultAuditInterval = 60 * time.Second

	// DefaultGracefulStopTimeout is how long shutdown waits for workers
	// to exit before force-terminating them.
	DefaultGracefulStopTimeout = 5 * time.Second

	// DefaultMaxCPUPercent is the system-wide CPU quota ceiling.
	DefaultMaxCPUPercent = 80

	// DefaultMaxMemoryMB is the system-wide memory quota ceiling.
	DefaultMaxMemoryMB = 2048
)
