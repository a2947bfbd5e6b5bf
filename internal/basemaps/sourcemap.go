package basemaps

import (
	"fmt"
	"path"
	"strings"

	"github.com/qiao-bo/justbuild/internal/analysed"
	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/repo"
)

// SourceTargetMap analyses source files as targets: the artifact stage and
// the runfiles both stage the file under its own name.
type SourceTargetMap = asyncmap.Map[expression.EntityName, *analysed.Target]

// NewSourceTargetMap creates the source-file map. Reading the file content
// verifies existence and warms the root's digest cache.
func NewSourceTargetMap(repos *repo.Config) *SourceTargetMap {
	reader := func(_ *asyncmap.TaskSystem, key expression.EntityName, setter asyncmap.Setter[*analysed.Target], logger asyncmap.Logger, _ asyncmap.SubCaller[expression.EntityName, *analysed.Target]) {
		if key.IsAnonymous() {
			logger("anonymous targets cannot be source files", true)
			return
		}
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
		filePath := path.Join(module, key.Name)
		normalized := path.Clean(filePath)
		if path.IsAbs(normalized) || normalized == ".." || strings.HasPrefix(normalized, "../") {
			logger(fmt.Sprintf("source file reference %q escapes its repository", filePath), true)
			return
		}
		if _, _, ok := info.Root.FileDigest(normalized); !ok {
			logger(fmt.Sprintf("source file %s does not exist in repository %q", normalized, key.Repository), true)
			return
		}
		artifact := expression.FromArtifact(expression.LocalArtifact(normalized, key.Repository))
		stage := expression.Map(map[string]expression.Pointer{key.Name: artifact})
		setter(&analysed.Target{
			Result: expression.NewTargetResult(stage, expression.EmptyMap, stage),
		})
	}
	return asyncmap.New(entityID, reader)
}
