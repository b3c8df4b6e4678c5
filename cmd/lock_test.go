//go:build linux || freebsd || darwin

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/reflash/internal/flash"
)

func TestCommands_RefuseBusyDevice(t *testing.T) {
	configPath, dir := writeTestConfig(t)
	imgPath := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(imgPath, []byte("payload"), 0o644))

	// Stands in for a running serve.
	held, err := openEnv(configPath, flash.LockExclusive)
	require.NoError(t, err)

	assert.ErrorIs(t, RunWrite([]string{"-c", configPath, "-l", "storage", imgPath}), flash.ErrDeviceBusy)
	assert.ErrorIs(t, RunClear([]string{"-c", configPath, "-y", "storage"}), flash.ErrDeviceBusy)
	assert.ErrorIs(t, RunRead([]string{"-c", configPath, "-o", filepath.Join(dir, "out.bin"), "storage"}), flash.ErrDeviceBusy)
	assert.ErrorIs(t, RunStatus([]string{"-c", configPath}), flash.ErrDeviceBusy)

	require.NoError(t, held.Close())
	require.NoError(t, RunWrite([]string{"-c", configPath, "-l", "storage", imgPath}))
}

func TestCommands_ReadersShareDevice(t *testing.T) {
	configPath, dir := writeTestConfig(t)

	reader, err := openEnv(configPath, flash.LockShared)
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, RunRead([]string{"-c", configPath, "-o", filepath.Join(dir, "out.bin"), "storage"}))
	assert.ErrorIs(t, RunClear([]string{"-c", configPath, "-y", "storage"}), flash.ErrDeviceBusy)
}
