package aegis

import (
	"errors"
	"fmt"
)

// Standard errors returned by the kernel and supervisor.
var (
	// ErrOathMissing rejects a manifest that carries no oath at all.
	ErrOathMissing = errors.New("admission refused: manifest carries no oath")

	// ErrOathNotSworn rejects an oath whose sworn flag is false.
	ErrOathNotSworn = errors.New("admission refused: oath not sworn")

	// ErrOathInvalid rejects an oath whose recorded document hash does
	// not match the current founding document.
	ErrOathInvalid = errors.New("admission refused: oath hash does not match founding document")

	// ErrAgentNotFound means no agent with that id is registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotRunning means the agent exists but cannot accept tasks.
	ErrAgentNotRunning = errors.New("agent is not running")

	// ErrAgentQuarantined means the agent exhausted its restart budget.
	// Quarantine is terminal; no further tasks are accepted without
	// manual intervention.
	ErrAgentQuarantined = errors.New("agent is quarantined")

	// ErrDuplicateAgent means an agent with that id is already tracked.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrKernelNotRunning means the kernel has not booted or has shut
	// down.
	ErrKernelNotRunning = errors.New("kernel is not running")
)

// AgentError wraps an error with the agent it concerns.
type AgentError struct {
	AgentID string
	Err     error
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *AgentError) Unwrap() error {
	return e.Err
}
