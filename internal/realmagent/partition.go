package realmagent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// byPartUUIDDir is the stable kernel-populated directory base spec §4.7
// step 1 calls for: "locate the image partition by GUID (directory lookup
// under a stable kernel by-id path)". udev populates
// /dev/disk/by-partuuid/<guid> for every GPT partition it scans; this
// requires no libblkid binding, only a symlink resolution.
const byPartUUIDDir = "/dev/disk/by-partuuid"

// locatePartitionByGUID waits (udev populates the symlink asynchronously
// relative to block device discovery) for and resolves
// /dev/disk/by-partuuid/<guid> to its backing device node.
func locatePartitionByGUID(guid uuid.UUID) (string, error) {
	link := filepath.Join(byPartUUIDDir, guid.String())

	deadline := time.Now().Add(10 * time.Second)
	for {
		target, err := filepath.EvalSymlinks(link)
		if err == nil {
			return target, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("realmagent: resolve %s: %w", link, err)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("realmagent: partition %s did not appear under %s within 10s", guid, byPartUUIDDir)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
