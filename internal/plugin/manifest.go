package plugin

import "time"

// Manifest defines the structure of a script tool's manifest.yaml file.
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Protocol    int           `yaml:"protocol"`
	Entrypoint  string        `yaml:"entrypoint"`
	Description string        `yaml:"description,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	ConfigKeys  *ConfigKeys   `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional configuration keys for a script tool.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin represents a discovered and validated script tool.
type Plugin struct {
	Name        string        // Tool name from manifest
	Path        string        // Absolute path to the tool directory
	Entrypoint  string        // Absolute path to entrypoint executable
	Protocol    int           // Protocol version
	Version     string        // Tool version
	Description string        // Human-readable description
	Timeout     time.Duration // Zero means DefaultTimeout
	ConfigKeys  *ConfigKeys
}

// DefaultTimeout bounds a script tool run when its manifest sets none.
const DefaultTimeout = time.Hour

// EffectiveTimeout returns the manifest timeout or DefaultTimeout.
func (p *Plugin) EffectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// MissingConfigKeys returns the required keys absent from cfg.
func (p *Plugin) MissingConfigKeys(cfg map[string]any) []string {
	if p.ConfigKeys == nil {
		return nil
	}
	var missing []string
	for _, k := range p.ConfigKeys.Required {
		if _, ok := cfg[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
