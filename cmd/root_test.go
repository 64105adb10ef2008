package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "serve")
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRunCommandDryRunPrintsPlan(t *testing.T) {
	dir := t.TempDir()

	sourcesPath := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(sourcesPath, []byte(`sources:
  - source_id: acme-careers
    source_type: careers_page
    url: https://acme.example.com/careers
`), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf(`logging:
  development: false
  level: error
storage:
  backend: memory
  config_snapshots_dir: %s
sources:
  path: %s
`, filepath.Join(dir, "config_snapshots"), sourcesPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"run", "--dry-run", "--run-id", "run-cli-1", "--config", cfgPath})

	require.NoError(t, root.Execute())

	out := buf.String()
	assert.Contains(t, out, "run run-cli-1: 1 task(s) planned")
	assert.Contains(t, out, "acme-careers")
	assert.Contains(t, out, "https://acme.example.com/careers")
}

func TestRunCommandFailsOnBadConfigPath(t *testing.T) {
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "nope.yaml")})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
