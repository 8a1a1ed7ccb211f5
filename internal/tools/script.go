package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
	"github.com/mattjoyce/bitool/internal/plugin"
	"github.com/mattjoyce/bitool/internal/proc"
	"github.com/mattjoyce/bitool/internal/protocol"
)

// Script runs a discovered script tool: the request goes to its stdin as
// JSON, the response comes back on stdout.
type Script struct {
	job.BaseTool
	plugin *plugin.Plugin
	conf   config.ToolConf
}

// NewScript builds a Script for p.
func NewScript(p *plugin.Plugin, conf config.ToolConf) *Script {
	return &Script{plugin: p, conf: conf}
}

func (s *Script) Name() string { return s.plugin.Name }

func (s *Script) Pipeline(ctx context.Context, j *job.Job) error {
	if missing := s.plugin.MissingConfigKeys(s.conf.Config); len(missing) > 0 {
		return fmt.Errorf("tool %s: missing config keys %v", s.plugin.Name, missing)
	}

	prepared, err := Prepare(ctx, j, s.conf)
	if err != nil {
		return err
	}

	timeout := s.plugin.EffectiveTimeout()
	paths := j.Paths()
	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      j.Context().JobID,
		Tool:       s.plugin.Name,
		WorkPath:   j.Context().WorkPath,
		DataPath:   j.Context().DataPath,
		ScratchDir: paths.ScratchDir,
		ResultDir:  paths.ResultDir,
		OutputDir:  paths.OutputDir,
		Config:     s.conf.Config,
		DeadlineAt: time.Now().Add(timeout),
	}
	if prepared.Latest.Found {
		req.Partitions = map[string]string{s.conf.PartitionTable: prepared.Latest.Value}
	}

	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, req); err != nil {
		return err
	}

	logger := j.Logger().With("tool", s.plugin.Name)
	logger.Debug("spawning script tool", "entrypoint", s.plugin.Entrypoint, "timeout", timeout)

	res, runErr := proc.Run(ctx, proc.Spec{
		Argv:    []string{s.plugin.Entrypoint},
		Dir:     paths.ScratchDir,
		Stdin:   &stdin,
		Timeout: timeout,
	}, logger)
	if res.Stderr != "" {
		j.Log("script tool stderr:\n"+res.Stderr, "debug")
	}
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return fmt.Errorf("tool %s timed out after %v: %w", s.plugin.Name, timeout, runErr)
		}
		return fmt.Errorf("tool %s: %w", s.plugin.Name, runErr)
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(res.Stdout))
	if err != nil {
		j.Log(fmt.Sprintf("unparseable script tool output: %q", raw), "debug")
		return fmt.Errorf("tool %s: %w", s.plugin.Name, err)
	}

	for _, entry := range resp.Logs {
		if entry.Level == "debug" {
			j.Log(entry.Message, "debug")
			continue
		}
		logger.Log(ctx, levelOf(entry.Level), entry.Message)
	}

	if resp.Status == "error" {
		return fmt.Errorf("tool %s: %s", s.plugin.Name, resp.Error)
	}

	files := append(append([]string{}, s.conf.Outputs...), resp.Outputs...)
	if _, err := j.Output(ctx, files); err != nil {
		return fmt.Errorf("package output: %w", err)
	}
	return nil
}

func levelOf(name string) slog.Level {
	switch name {
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
