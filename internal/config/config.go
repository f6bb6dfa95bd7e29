// Package config resolves wardend's runtime configuration: where realm
// state lives on disk, which hypervisor and dnsmasq binaries to launch, and
// the host bridge's network shape.
//
// Grounded on _examples/xfeldman-aegisvm/internal/config/config.go's
// DefaultConfig/EnsureDirs/FindBinary shape, adapted from a per-VM overlay
// filesystem layout to the realm/application workdir layout of base spec
// §4.5.6/§4.9.
package config

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds wardend's daemon-lifetime configuration.
type Config struct {
	// WorkDir is the root persistent directory; each realm gets
	// WorkDir/<uuid>/, each application WorkDir/<uuid>/<uuid>/.
	WorkDir string

	// SocketPath is the control socket's path, base spec §4.6.
	SocketPath string

	// LauncherBin is the qemu-system-* binary the VM launcher spawns for
	// vmm.Qemu realms, the default Kind.
	LauncherBin string

	// LkvmBin is the lkvm binary the VM launcher spawns for vmm.Lkvm
	// realms. Empty means no lkvm binary was found on PATH; realms
	// requesting vmm.Lkvm fail to create until one is.
	LkvmBin string

	// VsockPort is the well-known port the rendezvous listener binds,
	// base spec §4.4.
	VsockPort uint32

	// ConnectWaitTime bounds how long realm start/reboot wait for the
	// agent's control connection and its response, base spec §4.5.3 step 5.
	ConnectWaitTime time.Duration

	// BridgeName is the host bridge netfabric creates for realm tap
	// devices, base spec §4.9.
	BridgeName string

	// BridgeNetwork is the bridge's subnet; the bridge itself takes
	// Network+1.
	BridgeNetwork *net.IPNet

	// DnsmasqBin is the dnsmasq binary netfabric's DHCP server spawns.
	// DefaultConfig fills it in via FindBinary; empty means none was found,
	// and wardend refuses to start.
	DnsmasqBin string

	// DHCPLeaseCount bounds how many addresses dnsmasq hands out on the
	// bridge.
	DHCPLeaseCount uint8
}

// DefaultConfig returns wardend's default configuration, rooted under
// $HOME/.warden.
func DefaultConfig() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolve home directory: %w", err)
	}
	base := filepath.Join(homeDir, ".warden")

	_, network, err := net.ParseCIDR("10.42.0.0/24")
	if err != nil {
		return nil, fmt.Errorf("config: parse default bridge network: %w", err)
	}

	return &Config{
		WorkDir:         filepath.Join(base, "realms"),
		SocketPath:      filepath.Join(base, "warden.sock"),
		LauncherBin:     findQemuBinary(),
		LkvmBin:         FindBinary("lkvm", ""),
		VsockPort:       9999,
		ConnectWaitTime: 30 * time.Second,
		BridgeName:      "warden0",
		BridgeNetwork:   network,
		DnsmasqBin:      FindBinary("dnsmasq", ""),
		DHCPLeaseCount:  64,
	}, nil
}

// EnsureDirs creates WorkDir and the socket's parent directory.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.WorkDir, filepath.Dir(c.SocketPath)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// findQemuBinary locates a qemu-system-* binary matching the host's own
// architecture, the default vmm.Qemu launcher's binary.
func findQemuBinary() string {
	name := "qemu-system-" + runtime.GOARCH
	if runtime.GOARCH == "amd64" {
		name = "qemu-system-x86_64"
	}
	return FindBinary(name, "")
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (binDir), if given
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/bin", "/usr/local/bin", "/usr/sbin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
