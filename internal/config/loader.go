package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "BITOOL_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config file at configPath.
// A directory is accepted and resolved to its config.yaml. When a .checksums
// manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes after ${VAR} interpolation and applies
// defaults. Unknown keys are rejected. It does not validate.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return applyConfigDefaults(&cfg), nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $BITOOL_CONFIG, ~/.config/bitool/config.yaml, /etc/bitool/config.yaml, ./bitool.yaml
func Discover() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("$%s points to %q which does not exist", EnvConfigPath, p)
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "bitool", "config.yaml"))
	}
	candidates = append(candidates, "/etc/bitool/config.yaml", "./bitool.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, %s)", EnvConfigPath, strings.Join(candidates, ", "))
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: bitool config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: bitool config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Job.WorkPath == "" {
		cfg.Job.WorkPath = defaults.Job.WorkPath
	}
	if cfg.Job.DataPath == "" {
		cfg.Job.DataPath = defaults.Job.DataPath
	}
	if cfg.Job.WorkspaceRetention == 0 {
		cfg.Job.WorkspaceRetention = defaults.Job.WorkspaceRetention
	}

	if cfg.Warehouse.Command == "" {
		cfg.Warehouse.Command = defaults.Warehouse.Command
	}
	if cfg.Warehouse.Timeout == 0 {
		cfg.Warehouse.Timeout = defaults.Warehouse.Timeout
	}
	if cfg.Warehouse.NotFoundMarker == "" {
		cfg.Warehouse.NotFoundMarker = defaults.Warehouse.NotFoundMarker
	}

	if cfg.Logging.LoggerName == "" {
		cfg.Logging.LoggerName = defaults.Logging.LoggerName
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaults.Logging.MaxBackups
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = defaults.State.Retention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Tools == nil {
		cfg.Tools = make(map[string]ToolConf)
	}
	return cfg
}

// resolveRelativePaths anchors relative filesystem paths at the config file's directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.Job.WorkPath, &cfg.Job.DataPath, &cfg.State.Path, &cfg.ToolsDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Job.DataPath == "" {
		return fmt.Errorf("job.data_path is required")
	}
	if cfg.Job.WorkspaceRetention < 0 {
		return fmt.Errorf("job.workspace_retention must not be negative")
	}

	if strings.TrimSpace(cfg.Warehouse.Command) == "" {
		return fmt.Errorf("warehouse.command is required")
	}
	if cfg.Warehouse.Timeout < 0 {
		return fmt.Errorf("warehouse.timeout must not be negative")
	}

	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging sizes must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Token) {
			return fmt.Errorf("api.token references an undefined environment variable: %s", cfg.API.Token)
		}
	}

	for name, tool := range cfg.Tools {
		for i, table := range tool.Tables {
			if strings.TrimSpace(table) == "" {
				return fmt.Errorf("tools.%s.tables[%d] is empty", name, i)
			}
		}
		for i, out := range tool.Outputs {
			if out == "" || strings.ContainsRune(out, '/') || out == "." || out == ".." {
				return fmt.Errorf("tools.%s.outputs[%d] must be a plain file name (got %q)", name, i, out)
			}
		}
	}
	return nil
}
