// Package testutil provides shared helpers for engine tests: a harness
// materialising repository trees in temporary directories and a
// thread-safe log capture buffer.
package testutil

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qiao-bo/justbuild/internal/repo"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// NewTestLogger returns a debug-level logger writing into a SafeBuffer.
func NewTestLogger() (*slog.Logger, *SafeBuffer) {
	buf := &SafeBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// DiscardLogger returns a logger that swallows all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WriteTree materialises files (path -> content) under a fresh temporary
// directory and returns its root.
func WriteTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		filePath := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
	}
	return root
}

// SingleRepo builds a repository configuration with one unnamed repository
// containing the given files.
func SingleRepo(t *testing.T, files map[string]string) *repo.Config {
	t.Helper()
	root, err := repo.NewLocalRoot(WriteTree(t, files))
	require.NoError(t, err)
	cfg, err := repo.NewConfig(map[string]repo.Info{"": {Root: root}})
	require.NoError(t, err)
	return cfg
}

// NamedRepos builds a repository configuration from several named file
// trees.
func NamedRepos(t *testing.T, repos map[string]map[string]string) *repo.Config {
	t.Helper()
	infos := make(map[string]repo.Info, len(repos))
	for name, files := range repos {
		root, err := repo.NewLocalRoot(WriteTree(t, files))
		require.NoError(t, err)
		infos[name] = repo.Info{Root: root}
	}
	cfg, err := repo.NewConfig(infos)
	require.NoError(t, err)
	return cfg
}
