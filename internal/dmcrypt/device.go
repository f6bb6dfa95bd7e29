// Linux device-mapper ioctl(2) driver: create/load-table/suspend/resume/
// remove a mapped device. Grounded on
// original_source/realm/app-manager/src/dm/{mod.rs,device.rs}, which drives
// the same ioctl ABI through the Rust `devicemapper` crate's DM/DeviceInfo/
// DmOptions types — no Go equivalent of that crate appears anywhere in the
// retrieval pack, so the ABI is driven directly via golang.org/x/sys/unix,
// matching the original's own layer (a thin ioctl wrapper, not a
// higher-level library) rather than inventing one.
//
// base spec §9 calls out the original's confusing `device_suspend` path
// (device.rs's DeviceHandleWrapperExt::resume and ::suspend both call
// dm.device_suspend, differing only by whether DmFlags::DM_SUSPEND is set)
// and mandates distinct operations instead: Suspend and Resume below issue
// the identical DM_DEV_SUSPEND ioctl with and without the suspend flag,
// named for what they do rather than mirroring the ambiguous original call
// site.
package dmcrypt

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	dmControlPath = "/dev/mapper/control"

	dmNameLen = 128
	dmUUIDLen = 129

	dmVersionMajor = 4

	dmIoctlType = 0xfd

	cmdDevCreate  = 3
	cmdDevRemove  = 4
	cmdDevSuspend = 6 // DM_DEV_SUSPEND: also used to resume, distinguished by dmSuspendFlag
	cmdTableLoad  = 9

	dmSuspendFlag = 1 << 1 // DM_SUSPEND_FLAG
)

// dmIoctl mirrors struct dm_ioctl (include/uapi/linux/dm-ioctl.h). Fixed
// 312-byte header; table-load payloads are appended after it in the ioctl
// buffer.
type dmIoctl struct {
	Version    [3]uint32
	DataSize   uint32
	DataStart  uint32
	TargetCount uint32
	OpenCount  int32
	Flags      uint32
	EventNr    uint32
	Padding    uint32
	Dev        uint64
	Name       [dmNameLen]byte
	UUID       [dmUUIDLen]byte
	_          [7]byte // trailing pad to keep struct size a multiple of 8
}

// dmTargetSpec mirrors struct dm_target_spec.
type dmTargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [16]byte
}

func ioctlCmd(nr uintptr, size uintptr) uintptr {
	const iocRW = 3 << 30
	return iocRW | (size << 16) | (dmIoctlType << 8) | nr
}

// Device is an open handle to /dev/mapper/control plus the name of one
// mapped device it manages.
type Device struct {
	ctrl *os.File
	name string
	dev  uint64 // major:minor of the mapped device, filled in by Create
}

// Open opens the device-mapper control device.
func Open() (*Device, error) {
	f, err := os.OpenFile(dmControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("dmcrypt: open %s: %w", dmControlPath, err)
	}
	return &Device{ctrl: f}, nil
}

// Close closes the control device handle. It does not remove any mapped
// device.
func (d *Device) Close() error { return d.ctrl.Close() }

func (d *Device) newHeader(name string) dmIoctl {
	var hdr dmIoctl
	hdr.Version = [3]uint32{dmVersionMajor, 0, 0}
	hdr.DataSize = uint32(unsafe.Sizeof(hdr))
	hdr.DataStart = uint32(unsafe.Sizeof(hdr))
	copy(hdr.Name[:], name)
	return hdr
}

func (d *Device) ioctl(nr uintptr, buf []byte) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.ctrl.Fd(),
		ioctlCmd(nr, unsafe.Sizeof(dmIoctl{})),
		uintptr(unsafe.Pointer(&buf[0])),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Create registers a new, empty mapped device named name. The caller loads
// a table into it with Load and then Resume's it to activate.
func (d *Device) Create(name string) error {
	hdr := d.newHeader(name)
	buf := (*[unsafe.Sizeof(hdr)]byte)(unsafe.Pointer(&hdr))[:]
	if err := d.ioctl(cmdDevCreate, buf); err != nil {
		return fmt.Errorf("dmcrypt: DM_DEV_CREATE %s: %w", name, err)
	}
	d.name = name
	d.dev = hdr.Dev // the ioctl fills hdr.Dev in place, since buf aliases it
	return nil
}

// Mknod creates a block special file at path for this mapped device,
// matching base spec §4.7 step 3's "mknod the resulting device in a known
// path" — dm-crypt targets are not guaranteed a udev-managed /dev/mapper
// entry inside a guest's minimal initramfs, so the agent creates the node
// itself from the major:minor the CREATE ioctl returned.
func (d *Device) Mknod(path string) error {
	major := uint32(d.dev >> 8)
	minor := uint32(d.dev & 0xff)
	devt := unix.Mkdev(major, minor)
	if err := unix.Mknod(path, unix.S_IFBLK|0o600, int(devt)); err != nil {
		return fmt.Errorf("dmcrypt: mknod %s: %w", path, err)
	}
	return nil
}

// Load installs one crypt target spanning the whole device, built from
// TableLine's parameters, matching original_source/dm/device.rs's
// table_load (a single-target table for the application's crypt device).
func (d *Device) Load(start, length uint64, targetType, params string) error {
	spec := dmTargetSpec{SectorStart: start, Length: length}
	copy(spec.TargetType[:], targetType)

	paramsBuf := append([]byte(params), 0) // NUL-terminated, dm requires it
	// dm pads each target's parameter string to an 8-byte boundary.
	for len(paramsBuf)%8 != 0 {
		paramsBuf = append(paramsBuf, 0)
	}

	specSize := int(unsafe.Sizeof(spec))
	spec.Next = uint32(specSize + len(paramsBuf))

	hdr := d.newHeader(d.name)
	hdr.TargetCount = 1
	hdr.DataSize = uint32(int(unsafe.Sizeof(hdr)) + specSize + len(paramsBuf))

	buf := make([]byte, hdr.DataSize)
	headerBytes := (*[unsafe.Sizeof(dmIoctl{})]byte)(unsafe.Pointer(&hdr))[:]
	copy(buf, headerBytes)

	specBytes := (*[unsafe.Sizeof(dmTargetSpec{})]byte)(unsafe.Pointer(&spec))[:]
	off := int(unsafe.Sizeof(hdr))
	copy(buf[off:], specBytes)
	copy(buf[off+specSize:], paramsBuf)

	if err := d.ioctl(cmdTableLoad, buf); err != nil {
		return fmt.Errorf("dmcrypt: DM_TABLE_LOAD %s: %w", d.name, err)
	}
	return nil
}

// Resume activates a loaded (or previously suspended) table, matching the
// non-flagged DM_DEV_SUSPEND ioctl call.
func (d *Device) Resume() error {
	hdr := d.newHeader(d.name)
	buf := (*[unsafe.Sizeof(hdr)]byte)(unsafe.Pointer(&hdr))[:]
	if err := d.ioctl(cmdDevSuspend, buf); err != nil {
		return fmt.Errorf("dmcrypt: DM_DEV_SUSPEND(resume) %s: %w", d.name, err)
	}
	return nil
}

// Suspend freezes I/O to the mapped device, matching the DM_SUSPEND-flagged
// DM_DEV_SUSPEND ioctl call.
func (d *Device) Suspend() error {
	hdr := d.newHeader(d.name)
	hdr.Flags = dmSuspendFlag
	buf := (*[unsafe.Sizeof(hdr)]byte)(unsafe.Pointer(&hdr))[:]
	if err := d.ioctl(cmdDevSuspend, buf); err != nil {
		return fmt.Errorf("dmcrypt: DM_DEV_SUSPEND(suspend) %s: %w", d.name, err)
	}
	return nil
}

// Remove tears down the mapped device.
func (d *Device) Remove() error {
	hdr := d.newHeader(d.name)
	buf := (*[unsafe.Sizeof(hdr)]byte)(unsafe.Pointer(&hdr))[:]
	if err := d.ioctl(cmdDevRemove, buf); err != nil {
		return fmt.Errorf("dmcrypt: DM_DEV_REMOVE %s: %w", d.name, err)
	}
	return nil
}

// OpenCrypt is a convenience that creates a device named name, loads a
// single crypt target spanning [0, lengthSectors) built from params/key/dev,
// and resumes it — the full sequence for base spec §4.7 step 3.
func OpenCrypt(name string, lengthSectors uint64, params CryptoParams, key Key, dev DevicePath) (*Device, error) {
	d, err := Open()
	if err != nil {
		return nil, err
	}
	if err := d.Create(name); err != nil {
		d.Close()
		return nil, err
	}

	paramStr := TargetParams(params, key, dev, 0)

	if err := d.Load(0, lengthSectors, "crypt", paramStr); err != nil {
		d.Remove()
		d.Close()
		return nil, err
	}
	if err := d.Resume(); err != nil {
		d.Remove()
		d.Close()
		return nil, err
	}
	return d, nil
}
