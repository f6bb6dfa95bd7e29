package realmagent

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// mountFS is the filesystem used to format a freshly decrypted partition
// the first time it is opened, base spec §4.7 step 4.
const mountFS = "ext4"

// mountOrFormat mounts dev at target, formatting it with mkfs.ext4 first if
// the kernel does not already recognise a filesystem on it — the same
// "probe by attempting the real operation, fall back to provisioning it"
// shape as image.Provision's registry-fallback branch.
func mountOrFormat(dev, target string) error {
	if err := os.MkdirAll(target, 0o700); err != nil {
		return fmt.Errorf("realmagent: mkdir %s: %w", target, err)
	}

	err := syscall.Mount(dev, target, mountFS, 0, "")
	if err == nil {
		return nil
	}

	if err := exec.Command("mkfs."+mountFS, "-F", dev).Run(); err != nil {
		return fmt.Errorf("realmagent: mkfs.%s %s: %w", mountFS, dev, err)
	}
	if err := syscall.Mount(dev, target, mountFS, 0, ""); err != nil {
		return fmt.Errorf("realmagent: mount %s on %s after format: %w", dev, target, err)
	}
	return nil
}

func unmountQuiet(target string) {
	_ = syscall.Unmount(target, 0)
}
