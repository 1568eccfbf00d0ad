package aegis

import (
	"encoding/json"
	"os"
	"time"
)

// AgentPulse is one agent's entry in the heartbeat file.
type AgentPulse struct {
	Status   Status `json:"status"`
	Self     string `json:"self_reported,omitempty"`
	Restarts int    `json:"restarts"`
	Quota    Quota  `json:"quota"`
}

// Pulse is the kernel's liveness snapshot, overwritten in place each
// cycle so outside observers always read a single current state.
type Pulse struct {
	Timestamp  time.Time             `json:"timestamp"`
	ChainLen   int64                 `json:"chain_len"`
	ChainValid bool                  `json:"chain_valid"`
	Agents     map[string]AgentPulse `json:"agents"`
}

// writePulse atomically replaces the pulse file via rename.
func writePulse(path string, p Pulse) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
