package config

import "time"

// Config represents the complete bitool configuration.
type Config struct {
	Service   ServiceConfig       `yaml:"service"`
	Job       JobConfig           `yaml:"job"`
	Warehouse WarehouseConfig     `yaml:"warehouse"`
	Logging   LoggingConfig       `yaml:"logging"`
	State     StateConfig         `yaml:"state"`
	API       APIConfig           `yaml:"api,omitempty"`
	Tools     map[string]ToolConf `yaml:"tools,omitempty"`
	// ToolsDir holds script tools, one directory with a manifest.yaml each.
	ToolsDir string `yaml:"tools_dir,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// JobConfig defines where job workspaces live.
type JobConfig struct {
	WorkPath string `yaml:"work_path"`
	DataPath string `yaml:"data_path"`
	// Lock guards each (data_path, job id) pair with a PID lock file.
	Lock bool `yaml:"lock"`
	// WorkspaceRetention is the default age for `workspace prune`.
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
}

// WarehouseConfig defines how metadata queries reach the warehouse.
type WarehouseConfig struct {
	Command        string        `yaml:"command"` // e.g. "hive -S -e"
	Schema         string        `yaml:"schema"`
	Timeout        time.Duration `yaml:"timeout"`
	NotFoundMarker string        `yaml:"not_found_marker"`
}

// LoggingConfig sizes the per-job rotating debug log.
type LoggingConfig struct {
	LoggerName string `yaml:"logger_name"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// StateConfig defines the run ledger.
type StateConfig struct {
	Path string `yaml:"path"`
	// Retention bounds how long finished runs are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every request except /healthz.
	Token string `yaml:"token"`
}

// ToolConf holds per-tool settings.
type ToolConf struct {
	// Tables must all exist before the pipeline runs.
	Tables []string `yaml:"tables,omitempty"`
	// PartitionTable is the table whose latest partition the tool reports.
	PartitionTable string `yaml:"partition_table,omitempty"`
	PartType       string `yaml:"part_type,omitempty"`
	// Outputs are result files copied into the archive.
	Outputs []string `yaml:"outputs,omitempty"`
	// Config is passed through to script tools.
	Config map[string]any `yaml:"config,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "bitool",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Job: JobConfig{
			WorkPath:           ".",
			DataPath:           "./data",
			WorkspaceRetention: 7 * 24 * time.Hour,
		},
		Warehouse: WarehouseConfig{
			Command:        "hive -S -e",
			Timeout:        10 * time.Minute,
			NotFoundMarker: "Table not found",
		},
		Logging: LoggingConfig{
			LoggerName: "default",
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		State: StateConfig{
			Path:      "./data/bitool.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Tools: make(map[string]ToolConf),
	}
}
