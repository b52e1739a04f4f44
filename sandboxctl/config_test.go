package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("kernel: /boot/vmlinux\nbootlog: /tmp/boot.log\n"), 0o644))

	config, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/boot/vmlinux", config.Kernel)
	assert.Equal(t, "/tmp/boot.log", config.Bootlog)
	assert.Empty(t, config.InitialFilesystem)
}

func TestLoadConfigMissingExplicit(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("kernel: [\n"), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
}
