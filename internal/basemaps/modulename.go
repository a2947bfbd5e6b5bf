// Package basemaps provides the specialised async-map instances the engine
// builds on: JSON file loading per (repository, module), directory
// enumeration, source-file targets, entity-name parsing, and user-rule
// loading.
package basemaps

import (
	"fmt"
	"path"
	"strings"

	"github.com/qiao-bo/justbuild/internal/expression"
)

// ModuleName addresses one module of one repository.
type ModuleName struct {
	Repository string
	Module     string
}

// ID returns the canonical key form of the module name.
func (m ModuleName) ID() string {
	return expression.CanonicalJSON([]any{m.Repository, m.Module})
}

func (m ModuleName) String() string { return m.ID() }

// NormalizeModule lexically normalises a module path and rejects paths that
// escape the repository root. The empty path normalises to ".".
func NormalizeModule(module string) (string, error) {
	if module == "" {
		return ".", nil
	}
	if path.IsAbs(module) {
		return "", fmt.Errorf("modules have to live inside their repository, but found absolute path %q", module)
	}
	cleaned := path.Clean(module)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("modules have to live inside their repository, but found %q", module)
	}
	return cleaned, nil
}

// JoinModule resolves a module path relative to base, applying the same
// containment check.
func JoinModule(base, rel string) (string, error) {
	joined := path.Join(base, rel)
	if joined == "" {
		joined = "."
	}
	return NormalizeModule(joined)
}
