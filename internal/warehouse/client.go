// Package warehouse runs metadata queries against the partitioned data warehouse
// through its command-line query tool.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/bitool/internal/warehouse Client

// Client issues the two metadata queries the harness consumes. Implementations
// return the raw textual output of the query tool.
type Client interface {
	DescribeTable(ctx context.Context, table string) (string, error)
	ShowPartitions(ctx context.Context, table string) (string, error)
}

// DefaultNotFoundMarker is the text the query tool prints for an unknown table.
const DefaultNotFoundMarker = "Table not found"

// ErrUnavailable reports that the warehouse could not be queried at all.
var ErrUnavailable = errors.New("warehouse unavailable")

// UnavailableError carries the details of a failed query invocation.
type UnavailableError struct {
	Query    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("warehouse unavailable: query %q", e.Query)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// DescribeQuery renders the describe statement for table.
func DescribeQuery(schema, table string) string {
	return fmt.Sprintf("DESCRIBE %s;", QualifiedName(schema, table))
}

// ShowPartitionsQuery renders the partition listing statement for table.
func ShowPartitionsQuery(schema, table string) string {
	return fmt.Sprintf("SHOW PARTITIONS %s;", QualifiedName(schema, table))
}

// QualifiedName prefixes table with schema unless it is already qualified.
func QualifiedName(schema, table string) string {
	table = strings.TrimSpace(table)
	if schema == "" || strings.Contains(table, ".") {
		return table
	}
	return schema + "." + table
}
