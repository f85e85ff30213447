package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// rawSpec is a workflow spec's on-disk YAML shape — a flat step list with a
// discriminating "type" field per step, the same flat-record convention
// pattern.RawRule and wing.yaml's allow_keys use rather than a polymorphic
// YAML schema library.
type rawSpec struct {
	Name    string    `yaml:"name"`
	Trigger string    `yaml:"trigger"`
	Steps   []rawStep `yaml:"steps"`
}

type rawStep struct {
	Type        string         `yaml:"type"` // send_text | wait_for_pattern | sleep | custom
	Pane        int64          `yaml:"pane"`
	Text        string         `yaml:"text"`
	PasteMode   string         `yaml:"paste_mode"`
	RuleOrRegex string         `yaml:"pattern"`
	TimeoutMS   int64          `yaml:"timeout_ms"`
	MS          int64          `yaml:"ms"`
	ID          string         `yaml:"id"`
	Params      map[string]any `yaml:"params"`
}

func (rs rawStep) toStep() (Step, error) {
	switch rs.Type {
	case "send_text":
		return SendText{Pane: rs.Pane, Text: rs.Text, PasteMode: rs.PasteMode}, nil
	case "wait_for_pattern":
		return WaitForPattern{Pane: rs.Pane, RuleOrRegex: rs.RuleOrRegex, TimeoutMS: rs.TimeoutMS}, nil
	case "sleep":
		return Sleep{MS: rs.MS}, nil
	case "custom":
		return Custom{ID: rs.ID, Params: rs.Params}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", rs.Type)
	}
}

// LoadSpecFile parses one workflow spec YAML file.
func LoadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow spec %s: %w", path, err)
	}
	var raw rawSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workflow spec %s: %w", path, err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("workflow spec %s: name is required", path)
	}
	spec := &Spec{Name: raw.Name, Trigger: raw.Trigger}
	for i, rs := range raw.Steps {
		step, err := rs.toStep()
		if err != nil {
			return nil, fmt.Errorf("workflow spec %s step %d: %w", path, i, err)
		}
		spec.Steps = append(spec.Steps, step)
	}
	return spec, nil
}

// LoadSpecDir loads every *.yaml file in dir as a workflow spec, keyed by
// its declared name (not filename) so specs can be renamed without moving
// files.
func LoadSpecDir(dir string) (map[string]*Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Spec{}, nil
		}
		return nil, fmt.Errorf("reading workflow spec dir %s: %w", dir, err)
	}
	out := make(map[string]*Spec, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		spec, err := LoadSpecFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[spec.Name] = spec
	}
	return out, nil
}
