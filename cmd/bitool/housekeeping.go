package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/bitool/internal/inspect"
	"github.com/mattjoyce/bitool/internal/runlog"
	"github.com/mattjoyce/bitool/internal/tools"
	"github.com/mattjoyce/bitool/internal/workspace"
)

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, `Usage: bitool workspace prune [--older-than 168h] [--config path]

Removes tmp_*, result_* and output_* workspace directories and
bitool_result_*.tar.gz archives older than the given age from the data path.
Defaults to job.workspace_retention.`)
}

func runWorkspaceNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return 0
	}
	if args[0] != "prune" {
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n\n", args[0])
		printWorkspaceNounHelp(os.Stderr)
		return 1
	}

	fs := flag.NewFlagSet("workspace prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Age threshold (default job.workspace_retention)")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	age := *olderThan
	if age <= 0 {
		age = cfg.Job.WorkspaceRetention
	}

	m, err := workspace.NewFSManager(cfg.Job.DataPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	report, err := m.Cleanup(context.Background(), age)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	fmt.Println(okMark(fmt.Sprintf("removed %d workspace dir(s) and %d archive(s) older than %s",
		report.DeletedDirs, report.DeletedArchives, age)))
	return 0
}

func printRunsNounHelp(w *os.File) {
	fmt.Fprintln(w, `Usage: bitool runs <list|show|prune> [flags]

  list [--limit 20] [--json]          Most recent runs first
  show <run-id> [--json]              Ledger row, archive members, reported errors and live workspace
  prune [--older-than 720h]           Drop finished runs (default state.retention)`)
}

func runRunsNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printRunsNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "list":
		return runRunsList(args[1:])
	case "show":
		return runRunsShow(args[1:])
	case "prune":
		return runRunsPrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n\n", args[0])
		printRunsNounHelp(os.Stderr)
		return 1
	}
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("runs list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum runs to show")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	store, db, err := openRunStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	defer db.Close()

	runs, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}

	if *jsonOut {
		if runs == nil {
			runs = []*runlog.Run{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(renderRunsTable(runs))
	return 0
}

func runRunsShow(args []string) int {
	fs := flag.NewFlagSet("runs show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bitool runs show <run-id> [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	store, db, err := openRunStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	defer db.Close()

	var opts []inspect.Option
	if m, err := workspace.NewFSManager(cfg.Job.DataPath); err == nil {
		opts = append(opts, inspect.WithWorkspace(m))
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, positional[0], opts...)
	} else {
		out, err = inspect.BuildReport(ctx, store, positional[0], opts...)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runRunsPrune(args []string) int {
	fs := flag.NewFlagSet("runs prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Age threshold (default state.retention)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	age := *olderThan
	if age <= 0 {
		age = cfg.State.Retention
	}

	ctx := context.Background()
	store, db, err := openRunStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	defer db.Close()

	n, err := store.Prune(ctx, age)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	fmt.Println(okMark(fmt.Sprintf("pruned %d run(s) finished before %s", n,
		time.Now().Add(-age).Format(time.RFC3339))))
	return 0
}

func printToolNounHelp(w *os.File) {
	fmt.Fprintln(w, `Usage: bitool tool list [--config path]

Lists the built-in tools and the script tools discovered under tools_dir.`)
}

func runToolNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printToolNounHelp(os.Stdout)
		return 0
	}
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "Unknown tool action: %s\n\n", args[0])
		printToolNounHelp(os.Stderr)
		return 1
	}

	fs := flag.NewFlagSet("tool list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	registry, scripts, err := buildToolRegistry(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}

	for _, name := range registry.Names() {
		kind := "built-in"
		desc := ""
		if p, ok := scripts.Get(name); ok && name != tools.AdToolName {
			kind = "script " + p.Version
			desc = p.Description
		}
		configured := styles.Dim.Render(fmt.Sprintf("%-12s", "unconfigured"))
		if _, ok := cfg.Tools[name]; ok {
			configured = styles.OK.Render(fmt.Sprintf("%-12s", "configured"))
		}
		fmt.Printf("%s %-14s %s %s\n", styles.Header.Render(fmt.Sprintf("%-20s", name)), kind, configured, desc)
	}
	return 0
}
