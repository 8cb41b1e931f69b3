package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcesCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aggregator:\n  sources: [linkedin]\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "sources"})
	require.NoError(t, root.Execute())

	require.Equal(t, "* linkedin\n  unstop\n  wellfound\n", out.String())
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "sources"})
	require.ErrorContains(t, root.Execute(), "load config")
}
