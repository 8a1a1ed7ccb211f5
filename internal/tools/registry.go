// Package tools holds the named BI tools the CLI can run: built-in Go tools
// and script tools discovered from manifest directories.
package tools

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
	"github.com/mattjoyce/bitool/internal/plugin"
)

// ErrUnknownTool is returned by Registry.New for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Factory builds a tool from its configuration.
type Factory func(conf config.ToolConf) job.Tool

// Registry maps tool names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register(AdToolName, func(conf config.ToolConf) job.Tool { return NewAd(conf) })
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// AddScripts registers every discovered script tool. A script tool whose name
// collides with an existing tool is skipped and reported.
func (r *Registry) AddScripts(scripts *plugin.Registry) []error {
	var errs []error
	names := make([]string, 0, len(scripts.All()))
	for name := range scripts.All() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, _ := scripts.Get(name)
		if err := r.Register(name, func(conf config.ToolConf) job.Tool { return NewScript(p, conf) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// New builds the tool registered under name.
func (r *Registry) New(name string, conf config.ToolConf) (job.Tool, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return f(conf), nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
