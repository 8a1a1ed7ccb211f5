package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/bitool/internal/dependency"
	"github.com/mattjoyce/bitool/internal/partition"
	"github.com/mattjoyce/bitool/internal/warehouse"
)

func printTableNounHelp(w *os.File) {
	fmt.Fprintln(w, `Usage: bitool table <check|latest> [flags]

  check <table>...              Exit 0 when every table exists, 2 when any is missing
  latest <table> [--type day]   Print the latest <type>=<digits> partition value`)
}

func runTableNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printTableNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runTableCheck(args[1:])
	case "latest":
		return runTableLatest(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown table action: %s\n\n", args[0])
		printTableNounHelp(os.Stderr)
		return 1
	}
}

func tableClient(configPath string) (warehouse.Client, string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	client, err := newWarehouseClient(cfg)
	if err != nil {
		return nil, "", err
	}
	return client, cfg.Warehouse.NotFoundMarker, nil
}

func runTableCheck(args []string) int {
	fs := flag.NewFlagSet("table check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	tables, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(tables) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: bitool table check <table>...")
		return 1
	}

	client, marker, err := tableClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := dependency.New(client).WithMarker(marker).Check(ctx, tables)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}

	missing := make(map[string]bool, len(res.Missing))
	for _, t := range res.Missing {
		missing[t] = true
	}
	for _, t := range tables {
		if missing[t] {
			fmt.Println(failMark(t))
		} else {
			fmt.Println(okMark(t))
		}
	}
	if !res.AllPresent {
		return 2
	}
	return 0
}

func runTableLatest(args []string) int {
	fs := flag.NewFlagSet("table latest", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	partType := fs.String("type", partition.DefaultPartType, "Partition key name")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bitool table latest <table> [--type day]")
		return 1
	}

	client, _, err := tableClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	latest, err := partition.NewResolver(client).LatestPartition(ctx, positional[0], *partType)
	if err != nil {
		fmt.Fprintln(os.Stderr, failMark(err.Error()))
		return 1
	}
	if !latest.Found {
		fmt.Fprintln(os.Stderr, warnMark(fmt.Sprintf("%s has no %s partition", positional[0], *partType)))
		return 2
	}
	if latest.MixedWidth {
		fmt.Fprintln(os.Stderr, warnMark("partition values have mixed widths; ordering is lexicographic"))
	}
	fmt.Println(latest.Value)
	return 0
}
