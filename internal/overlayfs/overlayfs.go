// Package overlayfs mounts the per-application overlay filesystem of base
// spec §4.7 step 7: lower=image_root, upper=data/root, workdir=data/workdir
// onto overlay/.
//
// Grounded on _examples/xfeldman-aegisvm/internal/harness/mount_linux.go's
// syscall.Mount(source, target, fstype, flags, data) idiom — the teacher
// issues its remounts and bind-mounts directly against the syscall package
// rather than shelling out to /bin/mount, and this package follows the same
// style for the "overlay" filesystem type.
package overlayfs

import (
	"fmt"
	"os"
	"syscall"
)

// Layout names the four directories one application's overlay is built
// from, per base spec §4.7 step 7 and §6's persistent layout.
type Layout struct {
	// ImageRoot is the lower, read-only directory: the unpacked OCI image.
	ImageRoot string
	// UpperDir is the upper, writable directory: data/root.
	UpperDir string
	// WorkDir is overlayfs's own scratch directory: data/workdir. It must
	// be on the same filesystem as UpperDir and is never read directly.
	WorkDir string
	// Target is where the composed overlay/ directory is mounted.
	Target string
}

// Mount creates UpperDir, WorkDir, and Target if absent and mounts the
// overlay filesystem described by l. The caller is responsible for
// populating ImageRoot beforehand (see internal/realmagent/image).
func Mount(l Layout) error {
	for _, d := range []string{l.UpperDir, l.WorkDir, l.Target} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("overlayfs: mkdir %s: %w", d, err)
		}
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", l.ImageRoot, l.UpperDir, l.WorkDir)
	if err := syscall.Mount("overlay", l.Target, "overlay", 0, data); err != nil {
		return fmt.Errorf("overlayfs: mount %s: %w", l.Target, err)
	}
	return nil
}

// Unmount tears down the overlay previously composed onto target, reversing
// Mount. Base spec §4.7's shutdown ordering note ("unmount overlay/data/image")
// calls this before the backing crypt devices are removed.
func Unmount(target string) error {
	if err := syscall.Unmount(target, 0); err != nil {
		return fmt.Errorf("overlayfs: unmount %s: %w", target, err)
	}
	return nil
}
