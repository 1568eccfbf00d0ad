package aegis

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the kernel's runtime configuration. Zero values fall back
// to the package defaults, so a partial file is fine.
type Config struct {
	// LedgerPath is the lineage database location.
	LedgerPath string

	// RequestLogPath is the gateway request log database location.
	RequestLogPath string

	// WorkspaceRoot is the directory containing per-agent sandboxes.
	WorkspaceRoot string

	// FoundingDocs are the documents whose hashes anchor the genesis
	// block and against which oaths are sworn.
	FoundingDocs []string

	// AllowedDomains seeds the network gateway allow-list.
	AllowedDomains []string

	// RestartBudget is how many crashes an agent survives before
	// quarantine.
	RestartBudget int

	// TickInterval is the control loop cadence.
	TickInterval time.Duration

	// ResyncInterval bounds how often quotas are recomputed.
	ResyncInterval time.Duration

	// AuditInterval bounds how often resource usage is audited.
	AuditInterval time.Duration

	// MaxCPUPercent and MaxMemoryMB are the system-wide quota ceilings.
	MaxCPUPercent int
	MaxMemoryMB   int

	// WorkerCommand is the argv prefix used to start worker processes.
	// The agent name is appended by the supervisor spec.
	WorkerCommand []string

	// UseContainers runs workers in containers instead of plain
	// processes when a container runtime is available.
	UseContainers bool

	// WorkerImage is the container image for containerized workers.
	WorkerImage string
}

// configFile is the YAML shape of a config file. Durations are strings
// in Go duration syntax ("250ms", "1m").
type configFile struct {
	LedgerPath     string   `yaml:"ledger_path"`
	RequestLogPath string   `yaml:"request_log_path"`
	WorkspaceRoot  string   `yaml:"workspace_root"`
	FoundingDocs   []string `yaml:"founding_docs"`
	AllowedDomains []string `yaml:"allowed_domains"`
	RestartBudget  int      `yaml:"restart_budget"`
	TickInterval   string   `yaml:"tick_interval"`
	ResyncInterval string   `yaml:"resync_interval"`
	AuditInterval  string   `yaml:"audit_interval"`
	MaxCPUPercent  int      `yaml:"max_cpu_percent"`
	MaxMemoryMB    int      `yaml:"max_memory_mb"`
	WorkerCommand  []string `yaml:"worker_command"`
	UseContainers  bool     `yaml:"use_containers"`
	WorkerImage    string   `yaml:"worker_image"`
}

// DefaultConfig returns a config populated with the package defaults,
// rooted under Home().
func DefaultConfig() Config {
	return Config{
		LedgerPath:     DefaultLedgerPath(),
		RequestLogPath: DefaultRequestLogPath(),
		WorkspaceRoot:  WorkspacePath(),
		RestartBudget:  DefaultRestartBudget,
		TickInterval:   DefaultTickInterval,
		ResyncInterval: DefaultResyncInterval,
		AuditInterval:  DefaultAuditInterval,
		MaxCPUPercent:  DefaultMaxCPUPercent,
		MaxMemoryMB:    DefaultMaxMemoryMB,
	}
}

// PulsePath returns where the kernel writes its heartbeat snapshot:
// next to the lineage database, so both live on the same volume.
func (c Config) PulsePath() string {
	return filepath.Join(filepath.Dir(c.LedgerPath), "pulse.json")
}

// LoadConfig reads a YAML config file and fills unset fields with
// defaults. A missing file yields the defaults without error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg = Config{
		LedgerPath:     file.LedgerPath,
		RequestLogPath: file.RequestLogPath,
		WorkspaceRoot:  file.WorkspaceRoot,
		FoundingDocs:   file.FoundingDocs,
		AllowedDomains: file.AllowedDomains,
		RestartBudget:  file.RestartBudget,
		MaxCPUPercent:  file.MaxCPUPercent,
		MaxMemoryMB:    file.MaxMemoryMB,
		WorkerCommand:  file.WorkerCommand,
		UseContainers:  file.UseContainers,
		WorkerImage:    file.WorkerImage,
	}
	if cfg.TickInterval, err = parseInterval(path, "tick_interval", file.TickInterval); err != nil {
		return cfg, err
	}
	if cfg.ResyncInterval, err = parseInterval(path, "resync_interval", file.ResyncInterval); err != nil {
		return cfg, err
	}
	if cfg.AuditInterval, err = parseInterval(path, "audit_interval", file.AuditInterval); err != nil {
		return cfg, err
	}
	return cfg.withDefaults(), nil
}

func parseInterval(path, key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: bad %s: %w", path, key, err)
	}
	return d, nil
}

// withDefaults replaces zero fields with package defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LedgerPath == "" {
		c.LedgerPath = d.LedgerPath
	}
	if c.RequestLogPath == "" {
		c.RequestLogPath = d.RequestLogPath
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = d.RestartBudget
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = d.ResyncInterval
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = d.AuditInterval
	}
	if c.MaxCPUPercent <= 0 {
		c.MaxCPUPercent = d.MaxCPUPercent
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	return c
}
