package mountscan

import (
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/prometheus/procfs"
)

func TestFreezableMounts(t *testing.T) {
	targets := freezableMounts([]*procfs.Mount{
		{Mount: "/", Type: "ext4"},
		{Mount: "/home", Type: "ext4"},
		{Mount: "/proc", Type: "proc"},
		{Mount: "/boot/efi", Type: "vfat"},
		{Mount: "/var/lib/data", Type: "xfs"},
		{Mount: "/run", Type: "tmpfs"},
		{Mount: "/mnt/scratch", Type: "btrfs"},
	})

	assert.Assert(t, len(targets) == 3)
	assert.EqualString(t, targets[0].Path, "/home")
	assert.EqualString(t, targets[0].FsType, "ext4")
	assert.EqualString(t, targets[1].Path, "/var/lib/data")
	assert.EqualString(t, targets[1].FsType, "xfs")
	assert.EqualString(t, targets[2].Path, "/mnt/scratch")
}

func TestFreezableMountsNeverIncludesRoot(t *testing.T) {
	// even a freezable fs type on "/" must not be returned
	for _, fsType := range freezableFsTypes {
		targets := freezableMounts([]*procfs.Mount{{Mount: "/", Type: fsType}})

		assert.Assert(t, len(targets) == 0)
	}
}

func TestFreezableMountsEmptyTable(t *testing.T) {
	assert.Assert(t, len(freezableMounts(nil)) == 0)
}
