// Package doctor validates bitool configuration, the host it runs on and the
// discovered script tools.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/plugin"
	"github.com/mattjoyce/bitool/internal/storage"
	"github.com/mattjoyce/bitool/internal/tools"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host and discovered script tools.
type Doctor struct {
	cfg      *config.Config
	scripts  *plugin.Registry
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and script tool registry.
// scripts may be nil when no tools_dir is configured.
func New(cfg *config.Config, scripts *plugin.Registry) *Doctor {
	if scripts == nil {
		scripts = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, scripts: scripts, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateDataPath(r)
	d.validateStatePath(r)
	d.validateWarehouse(r)
	d.validateToolRefs(r)
	d.validateAPIConfig(r)
	d.warnUnusedScripts(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Job.DataPath == "" {
		d.addError(r, "service", "job.data_path", "job.data_path is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
}

// validateDataPath checks the directory workspaces and archives live in.
func (d *Doctor) validateDataPath(r *Result) {
	dataPath := d.cfg.Job.DataPath
	if dataPath == "" {
		return
	}

	info, err := os.Stat(dataPath)
	switch {
	case os.IsNotExist(err):
		d.addError(r, "paths", "job.data_path", fmt.Sprintf("%s does not exist", dataPath))
		return
	case err != nil:
		d.addError(r, "paths", "job.data_path", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "paths", "job.data_path", fmt.Sprintf("%s is not a directory", dataPath))
		return
	}

	if err := checkWritable(dataPath); err != nil {
		d.addError(r, "paths", "job.data_path", fmt.Sprintf("%s is not writable: %v", dataPath, err))
	}

	if network, fsType, err := storage.IsNetworkPath(dataPath); err == nil && network {
		d.addWarning(r, "paths", "job.data_path",
			fmt.Sprintf("%s is on a network filesystem (%s); workspace resets may be slow", dataPath, fsType))
	}
}

// validateStatePath checks that the run ledger can be created.
func (d *Doctor) validateStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	dir := filepath.Dir(d.cfg.State.Path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		d.addError(r, "paths", "state.path", fmt.Sprintf("directory %s does not exist", dir))
		return
	}
	if network, fsType, err := storage.IsNetworkPath(d.cfg.State.Path); err == nil && network {
		d.addError(r, "paths", "state.path",
			fmt.Sprintf("state database on network filesystem (%s) is not supported", fsType))
	}
}

// validateWarehouse checks that the warehouse command resolves on PATH.
func (d *Doctor) validateWarehouse(r *Result) {
	argv, err := shellquote.Split(d.cfg.Warehouse.Command)
	if err != nil {
		d.addError(r, "warehouse", "warehouse.command", fmt.Sprintf("cannot parse command: %v", err))
		return
	}
	if len(argv) == 0 {
		d.addError(r, "warehouse", "warehouse.command", "warehouse.command is required")
		return
	}
	if _, err := d.lookPath(argv[0]); err != nil {
		d.addError(r, "warehouse", "warehouse.command", fmt.Sprintf("%q not found on PATH", argv[0]))
	}
}

// validateToolRefs checks that configured tools exist and carry the config
// keys their manifests require.
func (d *Doctor) validateToolRefs(r *Result) {
	registry := tools.NewRegistry()
	_ = registry.AddScripts(d.scripts)
	known := make(map[string]bool)
	for _, name := range registry.Names() {
		known[name] = true
	}

	for _, name := range sortedKeys(d.cfg.Tools) {
		tc := d.cfg.Tools[name]
		field := fmt.Sprintf("tools.%s", name)
		if !known[name] {
			d.addError(r, "tool_refs", field, fmt.Sprintf("tool %q in config is neither built in nor found in tools_dir", name))
			continue
		}
		if tc.PartitionTable != "" && !strings.Contains(tc.PartitionTable, ".") && d.cfg.Warehouse.Schema == "" {
			d.addWarning(r, "tool_refs", field+".partition_table",
				fmt.Sprintf("table %q is unqualified and warehouse.schema is empty", tc.PartitionTable))
		}
		p, ok := d.scripts.Get(name)
		if !ok {
			continue
		}
		for _, key := range p.MissingConfigKeys(tc.Config) {
			d.addError(r, "tool_refs", fmt.Sprintf("%s.config.%s", field, key),
				fmt.Sprintf("tool %q requires config key %q", name, key))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token", "API enabled but no token configured")
	}
}

// warnUnusedScripts warns about discovered script tools with no config entry.
func (d *Doctor) warnUnusedScripts(r *Result) {
	names := make([]string, 0, len(d.scripts.All()))
	for name := range d.scripts.All() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := d.cfg.Tools[name]; !ok {
			d.addWarning(r, "unused", fmt.Sprintf("tools.%s", name),
				fmt.Sprintf("script tool %q discovered but not referenced in config", name))
		}
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references left in string tool config.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for _, name := range sortedKeys(d.cfg.Tools) {
		for key, v := range d.cfg.Tools[name].Config {
			s, ok := v.(string)
			if !ok {
				continue
			}
			for _, m := range envVarRe.FindAllStringSubmatch(s, -1) {
				if os.Getenv(m[1]) == "" {
					d.addWarning(r, "env_vars", fmt.Sprintf("tools.%s.config.%s", name, key),
						fmt.Sprintf("environment variable ${%s} not set", m[1]))
				}
			}
		}
	}
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".bitool-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
