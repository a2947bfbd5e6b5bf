package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{"m:hello"}, &out)
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, []string{"m:hello"}, cfg.Targets)
	assert.Equal(t, ".", cfg.Workspace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 0, cfg.Jobs)
}

func TestParseFlags(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{
		"--workspace", "/src",
		"--config", "conf.json",
		"--jobs", "8",
		"--log-level", "debug",
		"--log-format", "json",
		"a", "b:c",
	}, &out)
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, "/src", cfg.Workspace)
	assert.Equal(t, "conf.json", cfg.ConfigPath)
	assert.Equal(t, 8, cfg.Jobs)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"a", "b:c"}, cfg.Targets)
}

func TestParseHelp(t *testing.T) {
	var out bytes.Buffer
	_, exit, err := Parse([]string{"-h"}, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Contains(t, out.String(), "Usage")
}

func TestParseMissingTargets(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse(nil, &out)
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Message, "target")
}

func TestParseUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"--frob"}, &out)
	require.Error(t, err)
	var exitErr *ExitError
	assert.ErrorAs(t, err, &exitErr)
}
