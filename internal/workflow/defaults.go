package workflow

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed specs/handle_usage_limits.yaml
var defaultSpecsFS embed.FS

var defaultSpecNames = []string{"handle_usage_limits"}

// EnsureDefaultSpecs writes any of this binary's embedded default workflow
// specs into dir (dataDir/workflows) that aren't already present, mirroring
// pattern.EnsureDefaultPacks: a fresh data directory gets a runnable spec
// without a separate asset-install step, and an operator's own copy is never
// clobbered.
func EnsureDefaultSpecs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workflow spec dir: %w", err)
	}
	for _, name := range defaultSpecNames {
		dst := filepath.Join(dir, name+".yaml")
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		data, err := defaultSpecsFS.ReadFile("specs/" + name + ".yaml")
		if err != nil {
			return fmt.Errorf("read embedded spec %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write default spec %s: %w", name, err)
		}
	}
	return nil
}
