package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dataDir string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "crateminer.yaml")
	body := "data_dir: " + dataDir + "\nindex:\n  remote_url: https://example.test/index\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestOpenStoreForCommandOpensBothFacades(t *testing.T) {
	dataDir := t.TempDir()

	old := configPath
	configPath = writeTestConfig(t, dataDir)
	t.Cleanup(func() { configPath = old })

	cfg, s, previousStartup, closeFn, err := openStoreForCommand(nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(closeFn)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.True(t, previousStartup.IsZero(), "first process has no previous startup")
	assert.FileExists(t, filepath.Join(dataDir, "crateminer.db"))
}

func TestOpenStoreForCommandPropagatesConfigError(t *testing.T) {
	old := configPath
	configPath = filepath.Join(t.TempDir(), "does-not-exist.yaml")
	t.Cleanup(func() { configPath = old })

	_, _, _, _, err := openStoreForCommand(nil)
	require.Error(t, err)
}

func TestOpenExportForCommandOpensSQLiteFile(t *testing.T) {
	dataDir := t.TempDir()

	e, err := openExportForCommand(dataDir)
	require.NoError(t, err)
	require.NotNil(t, e)
	t.Cleanup(func() { _ = e.Close() })

	assert.FileExists(t, filepath.Join(dataDir, "export.db"))
}
