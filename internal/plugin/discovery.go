package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Registry holds discovered script tools indexed by name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Get retrieves a script tool by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered script tools.
func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// Add registers a script tool.
func (r *Registry) Add(plugin *Plugin) error {
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("script tool %q already registered", plugin.Name)
	}
	r.plugins[plugin.Name] = plugin
	return nil
}

// Discover scans a single directory for script tools with manifest.yaml and validates them.
// Invalid tools are logged but not fatal.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	return DiscoverMany([]string{pluginsDir}, logger)
}

// DiscoverMany scans multiple roots for manifest.yaml files.
// Roots are processed in input order; duplicate names keep the first discovered tool.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	if len(pluginRoots) == 0 {
		return nil, fmt.Errorf("at least one tools root is required")
	}

	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tools root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("tools root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat tools root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("tools root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one tools root is required")
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			pluginDirName := filepath.Base(pluginPath)

			plugin, err := loadPlugin(pluginDirName, pluginPath, root)
			if err != nil {
				logger("warn", "failed to load script tool", "root", root, "path", pluginPath, "error", err.Error())
				return nil
			}

			if err := registry.Add(plugin); err != nil {
				if existing, ok := registry.Get(plugin.Name); ok {
					logger(
						"warn",
						"duplicate script tool ignored (keeping first discovered)",
						"tool", plugin.Name,
						"ignored_path", plugin.Path,
						"kept_path", existing.Path,
					)
				} else {
					logger("warn", "duplicate script tool", "tool", plugin.Name, "error", err.Error())
				}
				return nil
			}

			logger("info", "loaded script tool", "tool", plugin.Name, "path", plugin.Path, "version", plugin.Version)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan tools root %s: %w", root, err)
		}
	}

	return registry, nil
}

// loadPlugin reads and validates a single script tool.
func loadPlugin(name, pluginPath, pluginsDir string) (*Plugin, error) {
	manifestPath := filepath.Join(pluginPath, manifestFilename)

	// Read manifest file
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	// Parse manifest
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	// Validate manifest fields
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	// Check protocol version
	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	// Construct entrypoint path
	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)

	if err := validateTrust(entrypointPath, pluginPath, pluginsDir); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Plugin{
		Name:        manifest.Name,
		Path:        pluginPath,
		Entrypoint:  entrypointPath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Timeout:     manifest.Timeout,
		ConfigKeys:  manifest.ConfigKeys,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(m.Name, `/\ `) {
		return fmt.Errorf("name %q must be a single word", m.Name)
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}

// validateTrust requires an executable entrypoint inside the tool directory,
// inside an approved root, in a directory that is not world-writable.
func validateTrust(entrypointPath, pluginPath, pluginsDir string) error {
	return validateTrustInRoots(entrypointPath, pluginPath, []string{pluginsDir})
}

func validateTrustInRoots(entrypointPath, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no tools roots configured")
	}

	// Resolve symlinks
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve tool path symlink: %w", err)
	}

	// Check entrypoint is under one of the configured plugin roots
	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve tools root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("entrypoint %s is not under any configured tools root", resolvedEntrypoint)
	}

	// Check entrypoint is under plugin directory
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under tool directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	// Check entrypoint is executable
	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}

	mode := info.Mode()
	if mode&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	// Check plugin directory is not world-writable
	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("tool directory not found: %w", err)
	}

	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("tool directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
