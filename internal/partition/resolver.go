// Package partition resolves the most recent partition of a warehouse table from
// the query tool's textual partition listing.
//
// Listings look like
//
//	day=20230101/hour=00
//	day=20230101/hour=01
//	day=20230102/hour=00
//
// Values are compared as strings, which orders them numerically only when every
// value for a partition key has the same width. The warehouse zero-pads its date
// keys; Latest.MixedWidth reports listings where that does not hold.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/warehouse"
)

// DefaultPartType is the partition key used when none is given.
const DefaultPartType = "day"

// Latest is the outcome of resolving a listing for one partition key.
type Latest struct {
	// Count is the number of distinct values seen for the key.
	Count int
	// Value is the greatest value. Empty when Found is false.
	Value string
	// Found is false when no line carried the key.
	Found bool
	// MixedWidth is set when values of different lengths were seen, in which
	// case the string ordering may disagree with numeric ordering.
	MixedWidth bool
}

// Parse extracts every <partType>=<digits> value from listing and selects the
// greatest one. Blank lines and lines without the key are skipped.
func Parse(listing, partType string) Latest {
	if partType == "" {
		partType = DefaultPartType
	}
	pattern := linePattern(partType)

	seen := make(map[string]struct{})
	var res Latest
	width := -1

	for _, raw := range strings.Split(listing, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := m[1]
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}

		if width >= 0 && len(value) != width {
			res.MixedWidth = true
		}
		width = len(value)

		if !res.Found || value > res.Value {
			res.Value = value
			res.Found = true
		}
	}

	res.Count = len(seen)
	return res
}

// linePattern matches from the start of a line; the greedy prefix makes the last
// occurrence of the key on the line win.
func linePattern(partType string) *regexp.Regexp {
	return regexp.MustCompile(`^.*` + regexp.QuoteMeta(partType) + `=(\d+)`)
}

// Resolver answers latest-partition questions using a warehouse client.
type Resolver struct {
	client warehouse.Client
	logger *slog.Logger
}

// NewResolver creates a Resolver backed by client.
func NewResolver(client warehouse.Client) *Resolver {
	return &Resolver{
		client: client,
		logger: log.WithComponent("partition"),
	}
}

// WithLogger replaces the resolver's logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// LatestPartition lists the partitions of table and returns the number of
// distinct values for partType and the greatest of them. A table without
// partitions is not an error. Query failures are returned as is and match
// warehouse.ErrUnavailable.
func (r *Resolver) LatestPartition(ctx context.Context, table, partType string) (Latest, error) {
	if partType == "" {
		partType = DefaultPartType
	}

	listing, err := r.client.ShowPartitions(ctx, table)
	if err != nil {
		return Latest{}, fmt.Errorf("show partitions %s: %w", table, err)
	}

	res := Parse(listing, partType)
	r.logger.Debug("resolved latest partition",
		"table", table,
		"part_type", partType,
		"count", res.Count,
		"latest", res.Value,
	)
	if res.MixedWidth {
		r.logger.Warn("partition values have mixed widths, string ordering may be wrong",
			"table", table,
			"part_type", partType,
		)
	}
	return res, nil
}
