package basemaps

import (
	"fmt"

	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/repo"
)

// DirectoryEntries lists the files and sub-trees directly under one module
// directory, each sorted.
type DirectoryEntries struct {
	Files []string
	Trees []string
}

// DirectoryEntriesMap enumerates module directories.
type DirectoryEntriesMap = asyncmap.Map[ModuleName, *DirectoryEntries]

// NewDirectoryEntriesMap creates the directory enumeration map. A missing
// directory yields empty entries.
func NewDirectoryEntriesMap(repos *repo.Config) *DirectoryEntriesMap {
	reader := func(_ *asyncmap.TaskSystem, key ModuleName, setter asyncmap.Setter[*DirectoryEntries], logger asyncmap.Logger, _ asyncmap.SubCaller[ModuleName, *DirectoryEntries]) {
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
		files, trees, ok := info.Root.List(module)
		if !ok {
			setter(&DirectoryEntries{})
			return
		}
		setter(&DirectoryEntries{Files: files, Trees: trees})
	}
	return asyncmap.New(ModuleName.ID, reader)
}
