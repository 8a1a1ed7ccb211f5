package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/proc"
)

// DefaultTimeout bounds a single query invocation.
const DefaultTimeout = 10 * time.Minute

// CLIConfig configures a process-backed client.
type CLIConfig struct {
	// Command is the query tool invocation, e.g. `hive -S -e`. The query text is
	// appended as the final argument.
	Command string
	// Schema qualifies unqualified table names.
	Schema string
	// Timeout bounds each invocation. Zero means DefaultTimeout.
	Timeout time.Duration
	// NotFoundMarker is tolerated in the output of a non-zero exit: the tool
	// reports unknown tables that way and it is not a transport failure.
	NotFoundMarker string
}

// CLIClient runs every query by spawning the configured command line tool and
// capturing its standard output.
type CLIClient struct {
	argv           []string
	schema         string
	timeout        time.Duration
	notFoundMarker string
	logger         *slog.Logger
}

var _ Client = (*CLIClient)(nil)

// NewCLIClient parses cfg.Command into an argument vector.
func NewCLIClient(cfg CLIConfig) (*CLIClient, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("warehouse command is empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	marker := cfg.NotFoundMarker
	if marker == "" {
		marker = DefaultNotFoundMarker
	}

	return &CLIClient{
		argv:           argv,
		schema:         cfg.Schema,
		timeout:        timeout,
		notFoundMarker: marker,
		logger:         log.WithComponent("warehouse"),
	}, nil
}

// Schema returns the schema used to qualify table names.
func (c *CLIClient) Schema() string { return c.schema }

// DescribeTable runs DESCRIBE for table.
func (c *CLIClient) DescribeTable(ctx context.Context, table string) (string, error) {
	return c.Query(ctx, DescribeQuery(c.schema, table))
}

// ShowPartitions runs SHOW PARTITIONS for table.
func (c *CLIClient) ShowPartitions(ctx context.Context, table string) (string, error) {
	return c.Query(ctx, ShowPartitionsQuery(c.schema, table))
}

// Query runs a single statement and returns its standard output. Launch
// failures, timeouts and non-zero exits are returned as *UnavailableError.
func (c *CLIClient) Query(ctx context.Context, query string) (string, error) {
	argv := append(append([]string{}, c.argv...), query)

	c.logger.Debug("running warehouse query", "command", c.argv[0], "query", query, "timeout", c.timeout)

	res, err := proc.Run(ctx, proc.Spec{Argv: argv, Timeout: c.timeout}, c.logger)
	if err == nil {
		return string(res.Stdout), nil
	}

	var exitErr *proc.ExitError
	if !errors.As(err, &exitErr) {
		return "", &UnavailableError{Query: query, Stderr: res.Stderr, Err: err}
	}

	// Unknown tables make the tool exit non-zero; hand the text back so the
	// caller can see the marker.
	stdout := string(res.Stdout)
	if strings.Contains(stdout, c.notFoundMarker) || strings.Contains(res.Stderr, c.notFoundMarker) {
		return stdout + res.Stderr, nil
	}

	c.logger.Warn("warehouse query exited with non-zero status", "exit_code", exitErr.Code, "stderr", res.Stderr)
	return "", &UnavailableError{Query: query, ExitCode: exitErr.Code, Stderr: res.Stderr, Err: err}
}
