package vmm

import (
	"fmt"
	"os/exec"
)

// commandBuilder assembles a hypervisor's argv from a RealmConfig and knows
// how to append one application disk's arguments, matching
// command_runner.rs's CommandRunner trait (get_command / setup_disk).
type commandBuilder interface {
	build(binPath string, cfg RealmConfig) *exec.Cmd
	appendDisk(cmd *exec.Cmd, diskPath string)
}

func builderFor(kind Kind) (commandBuilder, error) {
	switch kind {
	case Qemu:
		return qemuBuilder{}, nil
	case Lkvm:
		return lkvmBuilder{}, nil
	default:
		return nil, fmt.Errorf("vmm: unknown launcher kind %v", kind)
	}
}

// qemuBuilder targets qemu-system-*, grounded on
// virtualization/vm_runner/qemu.rs's QemuRunner.
type qemuBuilder struct{}

func (qemuBuilder) build(binPath string, cfg RealmConfig) *exec.Cmd {
	cmd := exec.Command(binPath)
	args := cmd.Args[1:]

	args = append(args, "-smp", itoa(cfg.CPU.CoresNumber), "-cpu", cfg.CPU.CPU)
	args = append(args, "-kernel", cfg.Kernel.KernelPath)
	if cfg.Kernel.KernelInitramfsPath != "" {
		args = append(args, "-initrd", cfg.Kernel.KernelInitramfsPath)
	}
	args = append(args, "-m", itoa(cfg.Memory.RAMSizeMB))
	args = append(args, "-machine", cfg.Machine)

	args = append(args, "-netdev", fmt.Sprintf(
		"tap,id=mynet0,ifname=%s,script=no,downscript=no", cfg.Network.TapDevice))
	hwDevice := cfg.Network.HardwareDevice
	if hwDevice == "" {
		hwDevice = "e1000"
	}
	args = append(args, "-device", fmt.Sprintf(
		"%s,netdev=mynet0,mac=%s", hwDevice, cfg.Network.MacAddress))
	args = append(args, "-device", fmt.Sprintf(
		"vhost-vsock-pci,id=vhost-vsock-pci0,guest-cid=%d", cfg.Network.VsockCID))
	if cfg.Network.RemoteTerminalURI != "" {
		args = append(args, "-serial", cfg.Network.RemoteTerminalURI)
	}

	args = append(args, "-nographic", "-append", "console=ttyAMA0")

	cmd.Args = append(cmd.Args[:1], args...)
	return cmd
}

func (qemuBuilder) appendDisk(cmd *exec.Cmd, diskPath string) {
	cmd.Args = append(cmd.Args, "-drive", "file="+diskPath)
}

// lkvmBuilder targets the lkvm realm runner, grounded on
// virtualization/vm_runner/lkvm.rs's LkvmRunner.
type lkvmBuilder struct{}

func (lkvmBuilder) build(binPath string, cfg RealmConfig) *exec.Cmd {
	cmd := exec.Command(binPath, "run")
	args := cmd.Args[2:]

	args = append(args, "-c", itoa(cfg.CPU.CoresNumber))
	args = append(args, "-k", cfg.Kernel.KernelPath)
	if cfg.Kernel.KernelInitramfsPath != "" {
		args = append(args, "-i", cfg.Kernel.KernelInitramfsPath)
	}
	if cfg.Kernel.KernelCmdParams != "" {
		args = append(args, "-p", fmt.Sprintf("%q", cfg.Kernel.KernelCmdParams))
	}
	args = append(args, "-m", itoa(cfg.Memory.RAMSizeMB))
	args = append(args, "-n", fmt.Sprintf("tapif=%s,guest_mac=%s",
		cfg.Network.TapDevice, cfg.Network.MacAddress))
	args = append(args, "--vsock", itoa64(int64(cfg.Network.VsockCID)))
	args = append(args, "--console", "serial")
	args = append(args, "--irqchip=gicv3", "--disable-sve")
	if cfg.Metadata != "" {
		args = append(args, "--metadata", cfg.Metadata)
	}

	cmd.Args = append(cmd.Args[:2], args...)
	return cmd
}

func (lkvmBuilder) appendDisk(cmd *exec.Cmd, diskPath string) {
	cmd.Args = append(cmd.Args, "-d", diskPath)
}

func itoa(n int) string   { return fmt.Sprintf("%d", n) }
func itoa64(n int64) string { return fmt.Sprintf("%d", n) }
