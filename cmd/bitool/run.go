package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/tools"
)

func printRunHelp() {
	fmt.Fprintln(os.Stderr, `Usage: bitool run --tool <name> --job-id <id> [--config path] [--data-path dir] [--work-path dir] [--no-warehouse]

Provisions the job workspace under the data path, runs the tool's pipeline,
clears scratch, packages the result into bitool_result_<id>.tar.gz and records
the run in the ledger. Exit status is 0 on success and 1 on any failure.`)
}

func runRun(args []string) int {
	if hasHelpFlag(args) {
		printRunHelp()
		return 0
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	toolName := fs.String("tool", "", "Tool to run")
	jobID := fs.String("job-id", "", "Job identifier, e.g. the run date 20230115")
	dataPath := fs.String("data-path", "", "Override job.data_path")
	workPath := fs.String("work-path", "", "Override job.work_path")
	noWarehouse := fs.Bool("no-warehouse", false, "Run without a warehouse client")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *toolName == "" || *jobID == "" {
		printRunHelp()
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *dataPath != "" {
		cfg.Job.DataPath = *dataPath
	}
	if *workPath != "" {
		cfg.Job.WorkPath = *workPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeRun(ctx, cfg, *toolName, *jobID, !*noWarehouse)
}

func executeRun(ctx context.Context, cfg *config.Config, toolName, jobID string, useWarehouse bool) int {
	logger := log.WithComponent("main")

	registry, _, err := buildToolRegistry(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	tool, err := registry.New(toolName, cfg.Tools[toolName])
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			fmt.Fprintf(os.Stderr, "%s (known: %v)\n", failMark(err.Error()), registry.Names())
		} else {
			fmt.Fprintln(os.Stderr, failMark(err.Error()))
		}
		return 1
	}

	store, db, err := openRunStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	defer db.Close()

	opts := []job.Option{
		job.WithLogConfig(log.LogConfig{
			LoggerName: cfg.Logging.LoggerName,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}),
		job.WithNotFoundMarker(cfg.Warehouse.NotFoundMarker),
		job.WithLock(cfg.Job.Lock),
		job.WithRecorder(store),
	}
	if useWarehouse {
		client, err := newWarehouseClient(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, failMark(err.Error()))
			return 1
		}
		opts = append(opts, job.WithWarehouse(client))
	}

	logger.Info("bitool run", "version", version, "tool", toolName, "job_id", jobID, "data_path", cfg.Job.DataPath)
	j, startup := job.New(ctx, job.Context{WorkPath: cfg.Job.WorkPath, DataPath: cfg.Job.DataPath, JobID: jobID}, opts...)
	if j.Locked() {
		_ = j.Close()
		fmt.Fprintln(os.Stderr, failMark(fmt.Sprintf("%s %s: %v", toolName, jobID, startup.Reason)))
		return 1
	}
	if startup.Degraded() {
		fmt.Fprintln(os.Stderr, warnMark(fmt.Sprintf("job started degraded: %v", startup.Reason)))
	}

	runErr := job.Run(ctx, tool, j)

	if runID := j.RunID(); runID != "" {
		if run, err := store.Get(context.WithoutCancel(ctx), runID); err == nil && run.ArchivePath != "" {
			fmt.Printf("%s %s\n", styles.Dim.Render("archive:"), run.ArchivePath)
			fmt.Printf("%s %s (%s)\n", styles.Dim.Render("blake3: "), run.ArchiveChecksum, humanBytes(run.ArchiveSize))
		}
		fmt.Printf("%s %s\n", styles.Dim.Render("run:    "), runID)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, failMark(fmt.Sprintf("%s %s: %v", toolName, jobID, runErr)))
		return 1
	}
	fmt.Println(okMark(fmt.Sprintf("%s %s finished", toolName, jobID)))
	return 0
}
