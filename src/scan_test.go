package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstVolumeFiles(t *testing.T) {
	dir := filepath.Join("DICOM", "sub-X", "ses-1", "func", "ABCD-rsfMRI_20180210121314")
	slices := []string{filepath.Join(dir, "run_000001.dcm")}

	files, err := firstVolumeFiles(slices, 383)
	require.NoError(t, err)
	require.Len(t, files, slicesPerVolume)
	// one slice per temporal position stride, starting at the first file
	assert.Equal(t, filepath.Join(dir, "run_000001.dcm"), files[0])
	assert.Equal(t, filepath.Join(dir, "run_000384.dcm"), files[1])
	assert.Equal(t, filepath.Join(dir, "run_000767.dcm"), files[2])
	assert.Equal(t, filepath.Join(dir, "run_022598.dcm"), files[59])
}

func TestFirstVolumeFilesErrors(t *testing.T) {
	slices := []string{filepath.Join("func", "run_000001.dcm")}
	_, err := firstVolumeFiles(slices, 0)
	require.Error(t, err)

	_, err = firstVolumeFiles([]string{filepath.Join("func", "oddname.dcm")}, 383)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "naming")
}

func TestRemoveCorruptVolumesEmptyTree(t *testing.T) {
	// nothing to check must not be an error
	require.NoError(t, removeCorruptVolumes(t.TempDir(), 2, false, testLogger()))
}
