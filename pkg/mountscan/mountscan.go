// Enumerates mounted filesystems that are safe to freeze for a consistent snapshot
package mountscan

import (
	"fmt"

	"github.com/function61/gokit/sliceutil"
	"github.com/prometheus/procfs"
)

type MountTarget struct {
	Path   string // mount point
	FsType string
}

// filesystems known to support FIFREEZE (what fsfreeze(8) uses)
var freezableFsTypes = []string{"ext2", "ext3", "ext4", "xfs", "btrfs", "jfs", "reiserfs"}

// Point-in-time view of the mount table. Mounts appearing/disappearing after
// this call are not our problem - the freeze window is short and we only
// promise consistency for what was mounted when the run started.
func Scan() ([]MountTarget, error) {
	procSelf, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %v", err)
	}

	mounts, err := procSelf.MountStats()
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %v", err)
	}

	return freezableMounts(mounts), nil
}

// the root mount is excluded unconditionally: a frozen "/" can wedge the
// entire system, including our ability to unfreeze it
func freezableMounts(mounts []*procfs.Mount) []MountTarget {
	targets := []MountTarget{}

	for _, mount := range mounts {
		if mount.Mount == "/" || !sliceutil.ContainsString(freezableFsTypes, mount.Type) {
			continue
		}

		targets = append(targets, MountTarget{
			Path:   mount.Mount,
			FsType: mount.Type,
		})
	}

	return targets
}
