// Package repo defines the capabilities the engine consumes from its
// environment: a repository lookup resolving logical repository names to
// their roots and file names, and a file-root reader for testing and
// reading files and trees. The repository configuration is an explicit
// value passed to every map instance; there is no process-wide singleton.
package repo

import (
	"fmt"
	"sort"
)

// Default file names used when a repository does not override them.
const (
	DefaultTargetsFileName    = "TARGETS"
	DefaultRulesFileName      = "RULES"
	DefaultExpressionFileName = "EXPRESSIONS"
)

// FileRoot reads files and trees below a repository's source root. Paths
// are root-relative and slash-separated.
type FileRoot interface {
	// IsFile reports whether path names a regular file.
	IsFile(path string) bool
	// IsTree reports whether path names a directory.
	IsTree(path string) bool
	// ReadFile returns the content of the file at path, or false if the
	// file cannot be read.
	ReadFile(path string) ([]byte, bool)
	// List enumerates the files and sub-trees directly under path, each
	// slice sorted, or false if path is not a tree.
	List(path string) (files []string, trees []string, ok bool)
	// FileDigest returns the hex content digest and size of the file at
	// path, or false if the file cannot be read.
	FileDigest(path string) (digestHex string, size int64, ok bool)
}

// Info describes a single repository.
type Info struct {
	Root               FileRoot
	TargetsFileName    string
	RulesFileName      string
	ExpressionFileName string
}

// Config is the immutable repository lookup handed to the engine at start.
type Config struct {
	repos map[string]Info
}

// NewConfig builds a repository configuration, filling in default file
// names where a repository leaves them empty.
func NewConfig(repos map[string]Info) (*Config, error) {
	normalized := make(map[string]Info, len(repos))
	for name, info := range repos {
		if info.Root == nil {
			return nil, fmt.Errorf("repository %q has no root", name)
		}
		if info.TargetsFileName == "" {
			info.TargetsFileName = DefaultTargetsFileName
		}
		if info.RulesFileName == "" {
			info.RulesFileName = DefaultRulesFileName
		}
		if info.ExpressionFileName == "" {
			info.ExpressionFileName = DefaultExpressionFileName
		}
		normalized[name] = info
	}
	return &Config{repos: normalized}, nil
}

// Info returns the description of the named repository.
func (c *Config) Info(name string) (Info, bool) {
	info, ok := c.repos[name]
	return info, ok
}

// Names returns the sorted repository names, mainly for diagnostics.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.repos))
	for name := range c.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
