package pattern

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed packs/core.yaml
var defaultPacksFS embed.FS

// defaultPackNames lists the packs this binary ships, each a file under
// packs/<name>.yaml embedded at build time.
var defaultPackNames = []string{"core"}

// EnsureDefaultPacks writes any of this binary's embedded default packs into
// dir (dataDir/patterns) that aren't already present, so a fresh data
// directory has something to enable without a separate asset-install step.
// It never overwrites a pack an operator has already customized on disk.
func EnsureDefaultPacks(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create rule pack dir: %w", err)
	}
	for _, name := range defaultPackNames {
		dst := filepath.Join(dir, name+".yaml")
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		data, err := defaultPacksFS.ReadFile("packs/" + name + ".yaml")
		if err != nil {
			return fmt.Errorf("read embedded pack %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write default pack %s: %w", name, err)
		}
	}
	return nil
}
