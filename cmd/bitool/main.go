package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/plugin"
	"github.com/mattjoyce/bitool/internal/runlog"
	"github.com/mattjoyce/bitool/internal/storage"
	"github.com/mattjoyce/bitool/internal/tools"
	"github.com/mattjoyce/bitool/internal/warehouse"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "table":
		return runTableNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "runs":
		return runRunsNoun(args)
	case "tool":
		return runToolNoun(args)
	case "config":
		return runConfigNoun(args)
	case "serve":
		return runServe(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: bitool version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("bitool %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: bitool <noun> <action> [flags]

Run a BI tool:
  run --tool <name> --job-id <id>       Provision, run, package and record one job

Warehouse:
  table check <table>...                Exit 2 when any table is missing
  table latest <table> [--type day]     Print the latest partition value

Housekeeping:
  workspace prune [--older-than 168h]   Remove stale workspaces and archives
  runs list [--limit N] [--json]        Show recorded runs
  runs show <run-id> [--json]           Show one run and its archive
  runs prune [--older-than 720h]        Drop finished runs from the ledger
  tool list                             Show built-in and script tools

Configuration:
  config check [--json]                 Validate config and host
  config lock [--dry-run]               Record the config BLAKE3 checksum

Service:
  serve [--listen addr]                 Serve the run ledger over HTTP
  version [--json]

Every command accepts --config <path>; otherwise $BITOOL_CONFIG,
~/.config/bitool/config.yaml, /etc/bitool/config.yaml and ./bitool.yaml are tried.`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

// loadConfig loads configPath, discovering it when empty, and sets up the
// process logger from it.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, fmt.Errorf("discover config: %w", err)
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.SetupWithOptions(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat})
	return cfg, nil
}

func newWarehouseClient(cfg *config.Config) (*warehouse.CLIClient, error) {
	return warehouse.NewCLIClient(warehouse.CLIConfig{
		Command:        cfg.Warehouse.Command,
		Schema:         cfg.Warehouse.Schema,
		Timeout:        cfg.Warehouse.Timeout,
		NotFoundMarker: cfg.Warehouse.NotFoundMarker,
	})
}

func openRunStore(ctx context.Context, cfg *config.Config) (*runlog.Store, *sql.DB, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open run ledger %s: %w", cfg.State.Path, err)
	}
	return runlog.NewStore(db), db, nil
}

// discoverScripts loads the script tools under cfg.ToolsDir. An unset
// tools_dir yields an empty registry.
func discoverScripts(cfg *config.Config) (*plugin.Registry, error) {
	if cfg.ToolsDir == "" {
		return plugin.NewRegistry(), nil
	}
	logger := log.WithComponent("tools")
	return plugin.Discover(cfg.ToolsDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
}

func buildToolRegistry(cfg *config.Config) (*tools.Registry, *plugin.Registry, error) {
	scripts, err := discoverScripts(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("discover script tools in %s: %w", cfg.ToolsDir, err)
	}
	registry := tools.NewRegistry()
	for _, err := range registry.AddScripts(scripts) {
		log.WithComponent("tools").Warn("script tool skipped", "error", err)
	}
	return registry, scripts, nil
}

// parseInterspersed parses fs from args, letting flags follow positional
// arguments. It returns the positional arguments in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}
