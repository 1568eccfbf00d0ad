// Package main provides the Aegis CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/everydev1618/goaegis"
	"github.com/everydev1618/goaegis/container"
	"github.com/everydev1618/goaegis/lineage"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "boot":
		bootCmd(args)
	case "verify":
		verifyCmd(args)
	case "export":
		exportCmd(args)
	case "worker":
		workerCmd(args)
	case "version":
		fmt.Printf("aegis %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Aegis - Agent Hosting Kernel

Usage:
  aegis <command> [options]

Commands:
  boot      Run the kernel from a config file
  verify    Verify a lineage chain database
  export    Dump a lineage chain as JSON
  worker    Run an agent worker over stdio (internal)
  version   Print version information
  help      Show this help message

Examples:
  aegis boot --config aegis.yaml --agents agents.yaml
  aegis verify --db ~/.aegis/lineage.db
  aegis export --db ~/.aegis/lineage.db > chain.json

Run 'aegis <command> --help' for more information on a command.`)
}

// bootCmd runs the kernel: register the configured agents, boot, and
// tick until interrupted.
func bootCmd(args []string) {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file (defaults used when absent)")
	agentsPath := fs.String("agents", "", "YAML file listing agent manifests to register")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	log := newLogger(*verbose)

	cfg, err := aegis.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := aegis.EnsureHome(); err != nil {
		fatal(err)
	}

	opts := []aegis.KernelOption{
		aegis.WithLogger(log),
		aegis.WithWorkerCommand(os.Args[0], "worker"),
	}
	if cfg.UseContainers {
		backend, err := container.NewBackend(container.WithImage(cfg.WorkerImage))
		if err != nil {
			fatal(err)
		}
		if backend.IsAvailable() {
			opts = append(opts, aegis.WithProcessBackend(backend))
		} else {
			log.Warn().Msg("docker not available, falling back to plain processes")
		}
	}

	kernel, err := aegis.NewKernel(cfg, opts...)
	if err != nil {
		fatal(err)
	}

	if *agentsPath != "" {
		manifests, err := loadManifests(*agentsPath)
		if err != nil {
			fatal(err)
		}
		for _, m := range manifests {
			id, err := kernel.Register(m)
			if err != nil {
				fatal(fmt.Errorf("register %s: %w", m.Name, err))
			}
			log.Info().Str("agent", m.Name).Str("id", id).Msg("registered")
		}
	}

	if err := kernel.Boot(); err != nil {
		fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := kernel.Tick(); err != nil {
				log.Error().Err(err).Msg("tick failed")
			}
		case sig := <-sigCh:
			if err := kernel.Shutdown(sig.String()); err != nil {
				fatal(err)
			}
			return
		}
	}
}

// verifyCmd re-opens a lineage database, which verifies the whole
// chain, and reports the result.
func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dbPath := fs.String("db", aegis.DefaultLedgerPath(), "Lineage database path")
	fs.Parse(args)

	chain, err := openChain(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CORRUPT: %v\n", err)
		os.Exit(1)
	}
	defer chain.Close()

	n, err := chain.Len()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("OK: %d blocks, chain valid\n", n)
}

// exportCmd dumps a lineage chain as a JSON array on stdout.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", aegis.DefaultLedgerPath(), "Lineage database path")
	fs.Parse(args)

	chain, err := openChain(*dbPath)
	if err != nil {
		fatal(err)
	}
	defer chain.Close()

	if err := chain.ExportJSON(os.Stdout); err != nil {
		fatal(err)
	}
}

// workerCmd runs an agent worker over stdio. The kernel re-executes
// this binary with this subcommand for every spawned agent.
func workerCmd(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	name := fs.String("agent", "", "Agent implementation name")
	fs.Parse(args)

	agent, err := builtinAgent(*name)
	if err != nil {
		fatal(err)
	}
	if err := aegis.RunWorker(agent, os.Stdin, os.Stdout); err != nil {
		fatal(err)
	}
}

func openChain(path string) (*lineage.Chain, error) {
	store, err := lineage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return lineage.Open(store)
}

func loadManifests(path string) ([]aegis.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifests []aegis.Manifest
	if err := yaml.Unmarshal(data, &manifests); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return manifests, nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// builtinAgent resolves a worker implementation by name. Real
// deployments register their own implementations; echo is the built-in
// smoke-test agent.
func builtinAgent(name string) (aegis.Agent, error) {
	switch name {
	case "", "echo":
		return &echoAgent{name: "echo"}, nil
	default:
		return nil, fmt.Errorf("unknown agent implementation: %s", name)
	}
}

// echoAgent replies to every task with its own description.
type echoAgent struct {
	name string
}

func (a *echoAgent) Process(ctx context.Context, task aegis.Task) (aegis.Result, error) {
	return aegis.Result{
		TaskID: task.ID,
		Output: strings.TrimSpace(task.Description),
	}, nil
}

func (a *echoAgent) Describe() aegis.Manifest {
	return aegis.Manifest{Name: a.name, Version: version}
}

func (a *echoAgent) ReportStatus() string {
	return "idle"
}
