package targetmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/hasher"
	"github.com/qiao-bo/justbuild/internal/testutil"
)

func TestFileGenBuiltin(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"TARGETS": `{
			"cfg": {"type": "file_gen", "name": "config.h", "data": "#define X 1"}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "cfg"), "")
	require.NoError(t, err)

	artifact := stagedArtifact(t, target.Artifacts(), "config.h")
	assert.Equal(t, "KNOWN", artifact["type"])
	data := artifactData(t, artifact)
	assert.Equal(t, hasher.RunString("#define X 1").Hex(), data["id"])
	assert.Equal(t, float64(len("#define X 1")), data["size"])
	assert.Equal(t, []string{"#define X 1"}, target.Blobs)
	assert.Empty(t, target.Actions)
}

func TestFileGenDefaultsToTargetName(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"TARGETS": `{"note.txt": {"type": "file_gen", "data": "hi"}}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "note.txt"), "")
	require.NoError(t, err)
	_, ok := target.Artifacts().Find("note.txt")
	assert.True(t, ok)
}

func TestTreeBuiltin(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
		"TARGETS": `{
			"bundle": {"type": "tree", "deps": [["FILE", null, "a.txt"], ["FILE", null, "b.txt"]]}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "bundle"), "")
	require.NoError(t, err)
	artifact := stagedArtifact(t, target.Artifacts(), "bundle")
	assert.Equal(t, "TREE", artifact["type"])
	require.Len(t, target.Trees, 1)
	assert.Equal(t, []string{"a.txt", "b.txt"}, target.Trees[0].Paths())
}

func TestInstallBuiltin(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"bin.sh": "#!/bin/sh",
		"doc.md": "# doc",
		"TARGETS": `{
			"dist": {
				"type": "install",
				"deps": [["FILE", null, "doc.md"]],
				"files": {"bin/run": ["FILE", null, "bin.sh"]}
			}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "dist"), "")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", stagedArtifact(t, target.Artifacts(), "doc.md")["type"])
	assert.Equal(t, "LOCAL", stagedArtifact(t, target.Artifacts(), "bin/run")["type"])
	assert.Equal(t, target.Artifacts().ID(), target.Runfiles().ID())
}

func TestExportBuiltin(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"RULES": `{
			"reader": {
				"config_vars": ["M", "N"],
				"expression": {
					"type": "RESULT",
					"provides": {
						"m": {"type": "var", "name": "M", "default": "none"},
						"n": {"type": "var", "name": "N", "default": "none"}
					}
				}
			}
		}`,
		"TARGETS": `{
			"inner": {"type": "reader"},
			"exported": {
				"type": "export",
				"target": ":inner",
				"flexible_config": ["N"],
				"fixed_config": {"M": "fixed"}
			}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "exported"), `{"M": "caller", "N": "passed"}`)
	require.NoError(t, err)

	m, ok := target.Provides().Find("m")
	require.True(t, ok)
	assert.True(t, m.Equal(expression.String("fixed")), "fixed_config overrides the caller's value")

	n, ok := target.Provides().Find("n")
	require.True(t, ok)
	assert.True(t, n.Equal(expression.String("passed")), "flexible variables pass through")

	assert.Equal(t, []string{"N"}, target.Vars)
}

func TestConfigureBuiltin(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"RULES": `{
			"reader": {
				"config_vars": ["M"],
				"expression": {
					"type": "RESULT",
					"provides": {"m": {"type": "var", "name": "M", "default": "none"}}
				}
			}
		}`,
		"TARGETS": `{
			"inner": {"type": "reader"},
			"tuned": {
				"type": "configure",
				"target": ":inner",
				"config": {"type": "'", "$1": {"M": "tuned"}}
			}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "tuned"), `{"M": "caller"}`)
	require.NoError(t, err)

	m, ok := target.Provides().Find("m")
	require.True(t, ok)
	assert.True(t, m.Equal(expression.String("tuned")))
	assert.NotContains(t, target.Vars, "M", "the amended variable is fixed by the overlay")
}

func TestGenericRequiresOutputs(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"TARGETS": `{"x": {"type": "generic", "cmd": ["true"]}}`,
	})
	_, err := analyseTarget(t, repos, namedTarget(".", "x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outs or out_dirs")
}

func TestGenericReadsConfigVariables(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"TARGETS": `{
			"x": {
				"type": "generic",
				"arguments_config": ["CC"],
				"cmd": [{"type": "var", "name": "CC", "default": "cc"}, "-o", "out"],
				"outs": ["out"]
			}
		}`,
	})
	target, err := analyseTarget(t, repos, namedTarget(".", "x"), `{"CC": "clang"}`)
	require.NoError(t, err)
	require.Len(t, target.Actions, 1)
	assert.Equal(t, []string{"clang", "-o", "out"}, target.Actions[0].Command)
	assert.Equal(t, []string{"CC"}, target.Vars)
}

func TestBuiltinRejectsUnknownField(t *testing.T) {
	repos := testutil.SingleRepo(t, map[string]string{
		"TARGETS": `{"x": {"type": "file_gen", "data": "d", "surprise": 1}}`,
	})
	_, err := analyseTarget(t, repos, namedTarget(".", "x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}
