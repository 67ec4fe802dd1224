package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML fleet description the daemon registers at startup so
// a static fleet survives restarts without an operator re-posting agents.
type Manifest struct {
	Version int             `yaml:"version"`
	Agents  []ManifestAgent `yaml:"agents"`
}

// ManifestAgent is one fleet entry. Field names mirror the registration
// API; omitted ids and names are derived at registration time.
type ManifestAgent struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Runtime string `yaml:"runtime"`
	Owner   string `yaml:"owner"`
	Session string `yaml:"session"`

	Capabilities struct {
		Skills      []string `yaml:"skills"`
		Specialties []string `yaml:"specialties"`
		Languages   []string `yaml:"languages"`
		CostPerHour float64  `yaml:"costPerHour"`
		Reliability float64  `yaml:"reliability"`
		AvgSpeed    float64  `yaml:"avgSpeed"`
	} `yaml:"capabilities"`
}

func validRuntime(r Runtime) bool {
	return r == RuntimeLocal || r == RuntimeContainer || r == RuntimeRemote
}

// LoadManifest parses a fleet manifest into registration configs. Entries
// default to the local runtime; unknown runtimes fail the whole file so a
// typo cannot silently drop half a fleet.
func LoadManifest(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("load manifest: %s lists no agents", path)
	}

	configs := make([]Config, 0, len(m.Agents))
	seen := make(map[string]int, len(m.Agents))
	for i, entry := range m.Agents {
		runtime := Runtime(entry.Runtime)
		if entry.Runtime == "" {
			runtime = RuntimeLocal
		} else if !validRuntime(runtime) {
			return nil, fmt.Errorf("load manifest: agent %d has unknown runtime %q", i, entry.Runtime)
		}
		if entry.ID != "" {
			if prev, dup := seen[entry.ID]; dup {
				return nil, fmt.Errorf("load manifest: agents %d and %d share id %q", prev, i, entry.ID)
			}
			seen[entry.ID] = i
		}
		configs = append(configs, Config{
			ID:      entry.ID,
			Name:    entry.Name,
			Runtime: runtime,
			Capabilities: Capabilities{
				Skills:      entry.Capabilities.Skills,
				Specialties: entry.Capabilities.Specialties,
				Languages:   entry.Capabilities.Languages,
				CostPerHour: entry.Capabilities.CostPerHour,
				Reliability: entry.Capabilities.Reliability,
				AvgSpeed:    entry.Capabilities.AvgSpeed,
			},
			Owner:     entry.Owner,
			SessionID: entry.Session,
		})
	}
	return configs, nil
}
