// Package dependency verifies that the warehouse tables a tool reads exist.
package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/warehouse"
)

// Result is the outcome of a dependency check. A missing table is a normal
// outcome, not an error.
type Result struct {
	AllPresent bool
	Missing    []string
}

// Checker describes tables through a warehouse client.
type Checker struct {
	client warehouse.Client
	marker string
	logger *slog.Logger
}

// New creates a Checker that treats DefaultNotFoundMarker as a missing table.
func New(client warehouse.Client) *Checker {
	return &Checker{
		client: client,
		marker: warehouse.DefaultNotFoundMarker,
		logger: log.WithComponent("dependency"),
	}
}

// WithMarker overrides the text that identifies an unknown table.
func (c *Checker) WithMarker(marker string) *Checker {
	if marker != "" {
		c.marker = marker
	}
	return c
}

// WithLogger replaces the checker's logger.
func (c *Checker) WithLogger(logger *slog.Logger) *Checker {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Check describes every table and collects the ones the warehouse does not know.
// It stops at the first query that cannot be executed; that error matches
// warehouse.ErrUnavailable.
func (c *Checker) Check(ctx context.Context, tables []string) (Result, error) {
	missing := make(map[string]struct{})

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		out, err := c.client.DescribeTable(ctx, table)
		if err != nil {
			return Result{}, fmt.Errorf("describe %s: %w", table, err)
		}
		if strings.Contains(out, c.marker) {
			c.logger.Debug("dependency table missing", "table", table)
			missing[table] = struct{}{}
			continue
		}
		c.logger.Debug("dependency table present", "table", table)
	}

	res := Result{AllPresent: len(missing) == 0}
	for table := range missing {
		res.Missing = append(res.Missing, table)
	}
	sort.Strings(res.Missing)
	return res, nil
}

// CheckDependency reports whether every table exists. An empty list is
// trivially satisfied.
func (c *Checker) CheckDependency(ctx context.Context, tables []string) (bool, error) {
	res, err := c.Check(ctx, tables)
	if err != nil {
		return false, err
	}
	return res.AllPresent, nil
}
