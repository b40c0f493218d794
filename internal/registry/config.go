package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/relaymesh/toolgate/internal/backend"
	"gopkg.in/yaml.v3"
)

// fileEntry is one backend's declarative description within the backend
// list file: `name → { transport, command, args, description }` per §6.
type fileEntry struct {
	Transport   string            `yaml:"transport"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	WorkDir     string            `yaml:"workdir"`
	Description string            `yaml:"description"`
}

// LoadDescriptors reads the backend-list YAML file at path and returns one
// Descriptor per entry, in deterministic (sorted by name) order. A missing
// file is not an error: it yields an empty slice, so the orchestrator
// degenerates into a transparent proxy, per §6.
func LoadDescriptors(path string) ([]backend.Descriptor, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backend list %s: %w", path, err)
	}

	var entries map[string]fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse backend list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]backend.Descriptor, 0, len(entries))
	for _, name := range names {
		e := entries[name]
		if e.Transport != "" && e.Transport != "stdio" {
			return nil, fmt.Errorf("backend %s: unsupported transport %q (only stdio)", name, e.Transport)
		}
		if e.Command == "" {
			return nil, fmt.Errorf("backend %s: command is required", name)
		}
		descriptors = append(descriptors, backend.Descriptor{
			Name:    name,
			Command: e.Command,
			Args:    e.Args,
			Env:     e.Env,
			WorkDir: e.WorkDir,
		})
	}

	return descriptors, nil
}
