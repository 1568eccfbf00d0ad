// Package aegis hosts independent agent workers on one machine, each in
// its own OS process with a metered resource budget, a confined
// filesystem root, allow-listed network egress, and a tamper-evident
// audit trail.
//
// Aegis is a single-host, single-binary kernel. It provides:
//
//   - An admission gate that refuses any agent without a valid oath
//   - One OS process per agent with crash detection, bounded restart,
//     and quarantine
//   - Credit-balance-driven CPU/RAM quotas with best-effort OS
//     enforcement (hard limits under the container backend)
//   - Per-agent sandboxed filesystem roots
//   - A domain allow-listed HTTP gateway with a request log
//   - A hash-chained lineage ledger recording every lifecycle event
//
// # Quick Start
//
// Build a kernel, admit an agent, and run the control loop:
//
//	cfg := aegis.DefaultConfig()
//	kernel, err := aegis.NewKernel(cfg,
//	    aegis.WithWorkerCommand("/usr/local/bin/aegis", "worker"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	oath, _ := aegis.SwearOath("PHILOSOPHY.md", "I will respect the rules")
//	id, err := kernel.Register(aegis.Manifest{
//	    Name:    "scribe",
//	    Version: "1.0.0",
//	    Oath:    oath,
//	})
//	if err != nil {
//	    log.Fatal(err) // rejected at the admission gate
//	}
//
//	kernel.Boot()
//	for range time.Tick(time.Second) {
//	    kernel.Tick()
//	}
//
// Workers run the other side of the protocol via RunWorker, typically
// through the `aegis worker` subcommand.
//
// Lifecycle events (registration, oath, crash, restart, quarantine,
// boot, shutdown) land in the lineage chain; see the lineage package.
// Sandboxing and egress control live in the sandbox and gateway
// packages.
package aegis
