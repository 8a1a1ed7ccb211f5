package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/bitool/internal/api"
	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/doctor"
	"github.com/mattjoyce/bitool/internal/log"
)

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, `Usage: bitool config <check|lock> [flags]

  check [--json]      Validate config, warehouse command, paths and tools (exit 0 ok, 1 errors, 2 warnings)
  lock [--dry-run]    Write the BLAKE3 hash of the config file to .checksums`)
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	result, code, err := validateConfigAtPath(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(fmt.Sprintf("Failed to load config: %v", err)))
		return 1
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return code
	}
	printValidationSummary(result)
	return code
}

func validateConfigAtPath(configPath string) (*doctor.Result, int, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, 1, err
	}
	scripts, err := discoverScripts(cfg)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg, scripts).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	if len(result.Warnings) > 0 {
		return result, 2, nil
	}
	return result, 0, nil
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	for _, issue := range result.Errors {
		fmt.Println(failMark(formatIssue(issue)))
	}
	for _, issue := range result.Warnings {
		fmt.Println(warnMark(formatIssue(issue)))
	}
	switch {
	case !result.Valid:
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
	case len(result.Warnings) > 0:
		fmt.Println(okMark(fmt.Sprintf("Validation passed with %d warning(s)", len(result.Warnings))))
	default:
		fmt.Println(okMark("Validation: all checks passed"))
	}
}

func formatIssue(issue doctor.Issue) string {
	if issue.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", issue.Category, issue.Field, issue.Message)
	}
	return fmt.Sprintf("[%s] %s", issue.Category, issue.Message)
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintln(os.Stderr, failMark(err.Error()))
			return 1
		}
		path = discovered
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	// A file that does not parse is never locked.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintln(os.Stderr, failMark(fmt.Sprintf("%s: %v", path, err)))
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	fmt.Printf("%s  %s\n", report.Hash, filepath.Base(report.ConfigPath))
	if report.Written {
		fmt.Println(okMark("wrote " + report.ChecksumPath))
	}
	return 0
}

func printServeHelp() {
	fmt.Fprintln(os.Stderr, `Usage: bitool serve [--listen addr] [--config path]

Serves /healthz, /tools, /runs, /runs/{id} and /runs/{id}/artifact.
Listens on api.listen unless --listen is given; api.token guards all but /healthz.`)
}

func runServe(args []string) int {
	if hasHelpFlag(args) {
		printServeHelp()
		return 0
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	logger := log.WithComponent("api")
	if !cfg.API.Enabled {
		logger.Warn("api.enabled is false; serving because serve was invoked explicitly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openRunStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open run ledger", "error", err)
		return 1
	}
	defer db.Close()

	registry, _, err := buildToolRegistry(cfg)
	if err != nil {
		logger.Error("failed to load tools", "error", err)
		return 1
	}

	srv := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, store, registry, logger)
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("API server failed", "error", err)
		return 1
	}
	return 0
}
