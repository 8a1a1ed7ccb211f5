package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
	"github.com/mattjoyce/bitool/internal/partition"
)

// ErrMissingDependencies matches MissingDependenciesError.
var ErrMissingDependencies = errors.New("missing dependencies")

// ErrNoPartition is returned when the configured partition table has no
// partition of the configured type.
var ErrNoPartition = errors.New("no partition found")

// MissingDependenciesError lists the tables that do not exist.
type MissingDependenciesError struct {
	Tables []string
}

func (e *MissingDependenciesError) Error() string {
	return "missing dependencies: " + strings.Join(e.Tables, ", ")
}

func (e *MissingDependenciesError) Is(target error) bool { return target == ErrMissingDependencies }

// Prepared is what every configured tool learns before its own work.
type Prepared struct {
	// Latest is the partition of conf.PartitionTable; zero when none is configured.
	Latest   partition.Latest
	PartType string
}

// Prepare checks conf.Tables and resolves the latest partition of
// conf.PartitionTable.
func Prepare(ctx context.Context, j *job.Job, conf config.ToolConf) (Prepared, error) {
	var p Prepared

	if len(conf.Tables) > 0 {
		res, err := j.Dependencies(ctx, conf.Tables)
		if err != nil {
			return p, fmt.Errorf("check dependencies: %w", err)
		}
		if !res.AllPresent {
			return p, &MissingDependenciesError{Tables: res.Missing}
		}
		j.Log(fmt.Sprintf("dependencies present: %s", strings.Join(conf.Tables, ", ")), "debug")
	}

	if conf.PartitionTable != "" {
		p.PartType = conf.PartType
		if p.PartType == "" {
			p.PartType = partition.DefaultPartType
		}
		latest, err := j.LatestPartition(ctx, conf.PartitionTable, p.PartType)
		if err != nil {
			return p, fmt.Errorf("latest partition: %w", err)
		}
		if !latest.Found {
			return p, fmt.Errorf("%w: %s has no %s partition", ErrNoPartition, conf.PartitionTable, p.PartType)
		}
		p.Latest = latest
	}
	return p, nil
}
