package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Defaults for the per-job debug log.
const (
	DefaultLoggerName     = "default"
	DefaultDebugFileName  = "debug.log"
	DefaultOutputFileName = "output.log"
	DefaultMaxSizeMB      = 5
	DefaultMaxBackups     = 5

	// OutputPathPrefix starts the first line of every output log.
	OutputPathPrefix = "log file path: "
)

// LogConfig describes the debug log of one job run. Build one per job; nothing
// in it is shared between runs.
type LogConfig struct {
	LoggerName     string
	DebugFileName  string
	OutputFileName string
	MaxSizeMB      int
	MaxBackups     int
	MaxAgeDays     int
	Compress       bool
}

// DefaultLogConfig returns the rotating debug log settings: 5 MiB per file and
// five backups.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		LoggerName:     DefaultLoggerName,
		DebugFileName:  DefaultDebugFileName,
		OutputFileName: DefaultOutputFileName,
		MaxSizeMB:      DefaultMaxSizeMB,
		MaxBackups:     DefaultMaxBackups,
	}
}

func (c LogConfig) withDefaults() LogConfig {
	d := DefaultLogConfig()
	if c.LoggerName == "" {
		c.LoggerName = d.LoggerName
	}
	if c.DebugFileName == "" {
		c.DebugFileName = d.DebugFileName
	}
	if c.OutputFileName == "" {
		c.OutputFileName = d.OutputFileName
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = d.MaxSizeMB
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = d.MaxBackups
	}
	return c
}

// LogPaths locates the two log streams of a job run.
type LogPaths struct {
	DebugLogPath      string
	OutputLogPath     string
	OutputLogFileName string
}

// JobLogger owns the developer-facing debug log in the result directory and the
// user-facing output log in the output directory.
type JobLogger struct {
	paths   LogPaths
	rotator *lumberjack.Logger
	logger  *slog.Logger
	mu      sync.Mutex
}

// Configure records the debug log location as the first line of the output log
// and then opens the rotating debug log.
func Configure(resultDir, outputDir string, cfg LogConfig) (*JobLogger, error) {
	cfg = cfg.withDefaults()

	paths := LogPaths{
		DebugLogPath:      filepath.Join(resultDir, cfg.DebugFileName),
		OutputLogPath:     filepath.Join(outputDir, cfg.OutputFileName),
		OutputLogFileName: cfg.OutputFileName,
	}

	// The pointer must land in the output log before any debug entry exists.
	if err := appendLine(paths.OutputLogPath, OutputPathPrefix+paths.DebugLogPath); err != nil {
		return nil, fmt.Errorf("record debug log path: %w", err)
	}

	if info, err := os.Stat(resultDir); err != nil {
		return nil, fmt.Errorf("debug log directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("debug log directory %q is not a directory", resultDir)
	}

	rotator := &lumberjack.Logger{
		Filename:   paths.DebugLogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	return &JobLogger{
		paths:   paths,
		rotator: rotator,
		logger:  slog.New(NewDebugHandler(rotator, cfg.LoggerName, slog.LevelDebug)),
	}, nil
}

// Paths returns where the two logs live.
func (l *JobLogger) Paths() LogPaths { return l.paths }

// Logger exposes the debug log as a structured logger.
func (l *JobLogger) Logger() *slog.Logger { return l.logger }

// Log writes msg to the debug log when level is "debug". Every other level is
// accepted and dropped.
func (l *JobLogger) Log(msg, level string) {
	l.LogSkip(1, msg, level)
}

// LogSkip is Log for wrappers: skip is the number of wrapper frames between
// the caller to attribute and LogSkip.
func (l *JobLogger) LogSkip(skip int, msg, level string) {
	if level != "debug" {
		return
	}
	if !l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2+skip, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelDebug, msg, pcs[0])
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// AppendOutput appends one user-facing line to the output log.
func (l *JobLogger) AppendOutput(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.paths.OutputLogPath, line)
}

// Close releases the debug log file.
func (l *JobLogger) Close() error {
	if l == nil || l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
