package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
)

// AdToolName is the registry name of the advertising line tool.
const AdToolName = "ad"

// SummaryFileName is the run summary every Ad run delivers.
const SummaryFileName = "summary.csv"

// Ad is the advertising line tool. It checks its configured tables, resolves
// the latest partition, writes a one-row summary and packages the configured
// outputs with it.
type Ad struct {
	job.BaseTool
	conf config.ToolConf
}

// NewAd builds an Ad tool.
func NewAd(conf config.ToolConf) *Ad {
	return &Ad{conf: conf}
}

func (a *Ad) Name() string { return AdToolName }

func (a *Ad) Pipeline(ctx context.Context, j *job.Job) error {
	prepared, err := Prepare(ctx, j, a.conf)
	if err != nil {
		return err
	}

	if err := a.writeSummary(j, prepared); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	files := append([]string{SummaryFileName}, a.conf.Outputs...)
	if _, err := j.Output(ctx, files); err != nil {
		return fmt.Errorf("package output: %w", err)
	}
	return nil
}

// Clear drops the scratch directory.
func (a *Ad) Clear(ctx context.Context, j *job.Job) error {
	return j.RemoveScratch(ctx)
}

func (a *Ad) writeSummary(j *job.Job, p Prepared) error {
	f, err := os.Create(filepath.Join(j.Paths().ResultDir, SummaryFileName))
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	rows := [][]string{
		{"job_id", "tables", "partition_table", "part_type", "partition_count", "latest_partition"},
		{
			j.Context().JobID,
			strconv.Itoa(len(a.conf.Tables)),
			a.conf.PartitionTable,
			p.PartType,
			strconv.Itoa(p.Latest.Count),
			p.Latest.Value,
		},
	}
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
