package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDocumentation_ThenCheckPasses(t *testing.T) {
	out := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }

	require.NoError(t, generateDocumentation(factory, out, false))
	require.NoError(t, generateDocumentation(factory, out, true))

	cfgRef, err := os.ReadFile(filepath.Join(out, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(cfgRef), "`agent.max_plan_steps`")
	assert.Contains(t, string(cfgRef), "DOTRAG_MEMORY_ASSISTANT_ID")

	types, err := os.ReadFile(filepath.Join(out, "reference", "memory_types.md"))
	require.NoError(t, err)
	assert.Contains(t, string(types), "## `User` (patch)")
	assert.Contains(t, string(types), "## `Note` (insert)")

	_, err = os.Stat(filepath.Join(out, "reference", "cli", "dotrag_ask.md"))
	require.NoError(t, err)
}

func TestGenerateDocumentation_CheckDetectsDrift(t *testing.T) {
	out := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }
	require.NoError(t, generateDocumentation(factory, out, false))

	require.NoError(t, os.WriteFile(filepath.Join(out, "reference", "config.md"), []byte("stale"), 0o644))
	err := generateDocumentation(factory, out, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of date")
}
