package pattern

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// rawPack is one pack file's on-disk shape: a flat list of rules under a
// "rules" key, the same flat-list-of-records convention wing.yaml uses for
// allow_keys/paths.
type rawPack struct {
	Rules []RawRule `yaml:"rules"`
}

// LoadPackFile parses one rule-pack YAML file into its raw, uncompiled
// rules. Compilation (and the dangerous-pattern lint) happens separately via
// CompilePack, so a bad pack fails loudly at startup rather than mid-scan.
func LoadPackFile(path string) ([]RawRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule pack %s: %w", path, err)
	}
	var pack rawPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parsing rule pack %s: %w", path, err)
	}
	return pack.Rules, nil
}

// LoadEnabledPacks reads one YAML file per name in enabledPacks from dir
// (each named "<pack>.yaml") and concatenates their raw rules. Every listed
// pack is loaded; individual rules are dropped afterwards by
// FilterDisabledRules.
func LoadEnabledPacks(dir string, enabledPacks []string) ([]RawRule, error) {
	var all []RawRule
	for _, name := range enabledPacks {
		raws, err := LoadPackFile(filepath.Join(dir, name+".yaml"))
		if err != nil {
			return nil, err
		}
		all = append(all, raws...)
	}
	return all, nil
}

// FilterDisabledRules drops any compiled rule whose RuleID appears in
// disabledRuleIDs (patterns.pack_overrides.disabled_rules), applied after
// CompilePack so the lint still runs over the full pack.
func FilterDisabledRules(rules []*Rule, disabledRuleIDs []string) []*Rule {
	if len(disabledRuleIDs) == 0 {
		return rules
	}
	disabled := make(map[string]bool, len(disabledRuleIDs))
	for _, id := range disabledRuleIDs {
		disabled[id] = true
	}
	out := rules[:0:0]
	for _, r := range rules {
		if disabled[r.RuleID] {
			continue
		}
		out = append(out, r)
	}
	return out
}
