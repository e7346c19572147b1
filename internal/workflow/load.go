package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// definitionFile is the TOML shape of a workflow definition file: one
// [workflow] table per file.
type definitionFile struct {
	Workflow WorkflowDefinition `toml:"workflow"`
}

// LoadDefinition parses a single workflow definition from a TOML file and
// validates it. Validation warnings are tolerated; errors are not.
func LoadDefinition(path string) (*WorkflowDefinition, error) {
	var file definitionFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("workflow: loading %s: %w", path, err)
	}
	def := file.Workflow
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if result := ValidateDefinition(&def); !result.IsValid() {
		return nil, fmt.Errorf("workflow: %s is invalid:\n%s", path, result.String())
	}
	return &def, nil
}

// LoadDirectory loads every *.toml workflow definition in dir into the
// registry, overriding same-named built-ins. A missing directory is not an
// error — user-defined workflows are optional.
func LoadDirectory(registry *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workflow: reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		registry.Register(def)
	}
	return nil
}
