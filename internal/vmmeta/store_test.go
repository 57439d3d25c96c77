package vmmeta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripLatestVersion(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, nil)

	require.NoError(t, s.Save("vm1", Metadata{MachineType: "pc-q35-6.2"}))

	got, err := s.Load("vm1")
	require.NoError(t, err)
	assert.Equal(t, LatestCommandVersion, got.VMCommandVersion)
	assert.Equal(t, "pc-q35-6.2", got.MachineType)
}

func TestLoadMissingReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, nil)

	got, err := s.Load("never-started")
	require.NoError(t, err)
	assert.Equal(t, 0, got.VMCommandVersion)
	assert.Equal(t, "", got.MachineType)
}

func TestLegacyUseCdromInfersVersion1(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.json"), []byte(`{"use_cdrom":true,"machine_type":"pc-i440fx-xenial"}`), 0600))

	s := NewFileStore(dir, nil)
	got, err := s.Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, 1, got.VMCommandVersion)
	assert.Equal(t, "pc-i440fx-xenial", got.MachineType)
}

func TestLegacyUseCdromFalseInfersVersion0(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.json"), []byte(`{"use_cdrom":false}`), 0600))

	s := NewFileStore(dir, nil)
	got, err := s.Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, 0, got.VMCommandVersion)
}
