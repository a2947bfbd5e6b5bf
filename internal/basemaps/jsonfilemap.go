package basemaps

import (
	"fmt"
	"path"

	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/repo"
)

// JSONFileMap loads and parses one JSON object file per (repository,
// module).
type JSONFileMap = asyncmap.Map[ModuleName, expression.Pointer]

// NewTargetsFileMap creates the map loading targets files. A module without
// a targets file is an error.
func NewTargetsFileMap(repos *repo.Config) *JSONFileMap {
	return newJSONFileMap(repos, func(info repo.Info) string { return info.TargetsFileName }, true)
}

// NewRulesFileMap creates the map loading rules files. A missing rules file
// yields an empty object, so the error surfaces at rule lookup with the
// rule's name.
func NewRulesFileMap(repos *repo.Config) *JSONFileMap {
	return newJSONFileMap(repos, func(info repo.Info) string { return info.RulesFileName }, false)
}

// NewExpressionFileMap creates the map loading expression files; missing
// files yield an empty object.
func NewExpressionFileMap(repos *repo.Config) *JSONFileMap {
	return newJSONFileMap(repos, func(info repo.Info) string { return info.ExpressionFileName }, false)
}

func newJSONFileMap(repos *repo.Config, fileName func(repo.Info) string, mandatory bool) *JSONFileMap {
	reader := func(_ *asyncmap.TaskSystem, key ModuleName, setter asyncmap.Setter[expression.Pointer], logger asyncmap.Logger, _ asyncmap.SubCaller[ModuleName, expression.Pointer]) {
		info, ok := repos.Info(key.Repository)
		if !ok {
			logger(fmt.Sprintf("cannot determine root for repository %q", key.Repository), true)
			return
		}
		module, err := NormalizeModule(key.Module)
		if err != nil {
			logger(err.Error(), true)
			return
		}
		filePath := path.Join(module, fileName(info))
		if !info.Root.IsFile(filePath) {
			if mandatory {
				logger(fmt.Sprintf("JSON file %s does not exist", filePath), true)
				return
			}
			setter(expression.EmptyMap)
			return
		}
		content, ok := info.Root.ReadFile(filePath)
		if !ok {
			logger(fmt.Sprintf("cannot read JSON file %s", filePath), true)
			return
		}
		parsed, err := expression.Parse(content)
		if err != nil {
			logger(fmt.Sprintf("JSON file %s does not contain valid JSON: %v", filePath, err), true)
			return
		}
		if parsed == nil || !parsed.IsMap() {
			logger(fmt.Sprintf("JSON in %s is not an object", filePath), true)
			return
		}
		setter(parsed)
	}
	return asyncmap.New(ModuleName.ID, reader)
}
