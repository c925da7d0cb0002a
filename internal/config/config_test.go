package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_name: from-file\ndata_dir: /file/data\n"), 0644))

	cfg, err := Load(path, Config{ServerName: "from-flag"})
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.ServerName)
	require.Equal(t, "/file/data", cfg.DataDir)
}

func TestLoadEnvUsedWhenFileAndFlagsSilent(t *testing.T) {
	t.Setenv("SERVER_NAME", "from-env")

	cfg, err := Load("", Config{})
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.ServerName)
}

func TestLoadAppliesBuiltinDefaults(t *testing.T) {
	cfg, err := Load("", Config{ServerName: "x"})
	require.NoError(t, err)
	require.Equal(t, "/app/data", cfg.DataDir)
	require.Equal(t, ":5555", cfg.ReqAddr)
	require.Equal(t, ":8080", cfg.AdminAddr)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/node.yaml", Config{})
	require.Error(t, err)
}
