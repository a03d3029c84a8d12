package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// GroupConfig describes one builder group of the VM pool
type GroupConfig struct {
	ID                int      `yaml:"id"`
	Name              string   `yaml:"name"`
	Archs             []string `yaml:"archs"`
	MaxVMTotal        int      `yaml:"max_vm_total"`
	MaxSpawnProcesses int      `yaml:"max_spawn_processes"`
	SpawnPlaybook     string   `yaml:"spawn_playbook"`
	TerminatePlaybook string   `yaml:"terminate_playbook"`
}

type groupsFile struct {
	Groups []GroupConfig `yaml:"groups"`
}

// LoadGroups reads the group definitions from a YAML file
func LoadGroups(path string) ([]GroupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}
	return ParseGroups(data)
}

// ParseGroups decodes and validates group definitions
func ParseGroups(data []byte) ([]GroupConfig, error) {
	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse groups file: %w", err)
	}
	if len(f.Groups) == 0 {
		return nil, fmt.Errorf("no groups defined")
	}

	seen := make(map[int]bool)
	for i := range f.Groups {
		g := &f.Groups[i]
		if seen[g.ID] {
			return nil, fmt.Errorf("duplicate group id %d", g.ID)
		}
		seen[g.ID] = true

		if g.Name == "" {
			g.Name = fmt.Sprintf("group-%d", g.ID)
		}
		if g.MaxVMTotal <= 0 {
			return nil, fmt.Errorf("group %s: max_vm_total must be positive", g.Name)
		}
		if g.MaxSpawnProcesses <= 0 {
			g.MaxSpawnProcesses = 2
		}
		if g.SpawnPlaybook == "" || g.TerminatePlaybook == "" {
			return nil, fmt.Errorf("group %s: spawn_playbook and terminate_playbook are required", g.Name)
		}
	}

	return f.Groups, nil
}

// GroupForArch finds the group building the given architecture
func GroupForArch(groups []GroupConfig, arch string) (GroupConfig, bool) {
	idx := slices.IndexFunc(groups, func(g GroupConfig) bool { return slices.Contains(g.Archs, arch) })
	if idx < 0 {
		return GroupConfig{}, false
	}
	return groups[idx], true
}
