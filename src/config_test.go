package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(project, projectDirName), 0700))

	config := newConfig("Jane Doe", "jane@example.org")
	config.PackageID = 1234567
	config.ConverterBin = "/opt/abcd/run_convert.sh"
	config.Swarm.Modules = []string{"matlab/2018a"}
	require.NoError(t, config.writeConfig(project))

	got, err := readConfig(filepath.Join(project, projectDirName, "config"))
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.Author.Name)
	assert.Equal(t, 1234567, got.PackageID)
	assert.Equal(t, "/opt/abcd/run_convert.sh", got.ConverterBin)
	assert.Equal(t, []string{"matlab/2018a"}, got.Swarm.Modules)
}

func TestWriteConfigNeedsProject(t *testing.T) {
	err := newConfig("", "").writeConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init")
}

func TestReadConfigMissing(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "config"))
	require.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	config := newConfig("", "")
	assert.Equal(t, 4, config.Swarm.Threads)
	assert.Equal(t, 16, config.Swarm.MemoryGB)
	assert.Equal(t, "12:00:00", config.Swarm.Walltime)
}

func TestNewLogger(t *testing.T) {
	for _, level := range logLevels {
		logger, err := newLogger(level, "prod")
		require.NoError(t, err, "level %s", level)
		require.NotNil(t, logger)
	}
	_, err := newLogger("CHATTY", "prod")
	require.Error(t, err)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("FT2B_PACKAGE_ID", "7654321")
	t.Setenv("FT2B_DOWNLOAD_THREADS", "8")
	env, err := loadEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "prod", env.Mode)
	assert.Equal(t, 7654321, env.PackageID)
	assert.Equal(t, 8, env.DownloadThreads)
}
