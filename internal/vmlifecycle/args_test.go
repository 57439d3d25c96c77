package vmlifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultArgBuilderOmitsCloudInit(t *testing.T) {
	b := NewDefaultArgBuilder()
	desc := Descriptor{VMName: "v", ImagePath: "/img.qcow2", CloudInitPath: "/cidata.iso"}

	args := b.BaseArgs(desc, 1, "tap0", "52:54:00:00:00:01")
	assert.NotContains(t, args, "-cdrom")
	assert.NotContains(t, args, "-loadvm")
	for _, a := range args {
		assert.NotContains(t, a, "/cidata.iso")
	}
}

// TestCloudInitArgsLegacyCdrom is the command-version-1 branch: the
// caller (Start) appends this exactly once, never BaseArgs itself, so a
// resumed VM never gets the cloud-init drive attached twice.
func TestCloudInitArgsLegacyCdrom(t *testing.T) {
	assert.Equal(t, []string{"-cdrom", "/cidata.iso"}, CloudInitArgs(1, "/cidata.iso"))
}

func TestCloudInitArgsVirtioDrive(t *testing.T) {
	args := CloudInitArgs(0, "/cidata.iso")
	require.Len(t, args, 2)
	assert.Equal(t, "-drive", args[0])
	assert.Equal(t, "file=/cidata.iso,if=virtio,format=raw,snapshot=off,read-only", args[1])
}
