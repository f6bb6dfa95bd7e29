// Package vmm implements the abstract VM launcher of base spec §2/§4.5:
// launch(config, tap, vsock_cid, app_disks) -> process handle, with a
// spawn / try_exit_status / graceful shutdown / force kill+reap contract.
// Concrete implementations assemble a hypervisor command line; the caller
// (internal/warden) never constructs one itself.
//
// Grounded on
// _examples/original_source/warden/warden_daemon/src/virtualization/vm_runner/{qemu.rs,lkvm.rs,command_runner.rs,vm_handler.rs,../vm_runner.rs}:
// a CommandRunner trait builds a hypervisor's argv from a RealmConfig, and a
// VmHandler wraps the spawned process with spawn/try_get_exit_status/
// shutdown. REDESIGN FLAGS calls for a closed tagged union (LauncherKind =
// {Qemu, Lkvm}) rather than an open plugin interface, which Kind below
// provides.
package vmm

import "fmt"

// Kind is the closed set of hypervisor backends a RealmConfig can target.
type Kind int

const (
	Qemu Kind = iota
	Lkvm
)

func (k Kind) String() string {
	switch k {
	case Qemu:
		return "qemu"
	case Lkvm:
		return "lkvm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CPUConfig is the virtual CPU shape.
type CPUConfig struct {
	CoresNumber int
	CPU         string // e.g. "host", "cortex-a57" — passed through to the hypervisor
}

// MemoryConfig is the guest RAM size in megabytes.
type MemoryConfig struct {
	RAMSizeMB int
}

// KernelConfig locates the guest kernel and optional initramfs/cmdline.
type KernelConfig struct {
	KernelPath         string
	KernelInitramfsPath string // optional
	KernelCmdParams     string // optional
}

// NetworkConfig wires the realm's tap device and vsock identity into the VM.
type NetworkConfig struct {
	TapDevice        string
	MacAddress       string
	HardwareDevice   string // optional, e.g. "virtio-net-pci"; backend-specific default if empty
	VsockCID         uint32
	RemoteTerminalURI string // optional serial console URI
}

// RealmConfig fully describes one realm's VM, matching the Realm attributes
// of SPEC_FULL.md's data model (machine type; CPU kind and core count; RAM
// size; network; kernel; optional metadata path).
type RealmConfig struct {
	Launcher Kind
	Machine  string
	CPU      CPUConfig
	Memory   MemoryConfig
	Network  NetworkConfig
	Kernel   KernelConfig
	Metadata string // optional path
}

// AppDisk is one application's raw backing disk, attached to the VM as a
// block device in application-UUID order.
type AppDisk struct {
	ApplicationID string
	Path          string
}
