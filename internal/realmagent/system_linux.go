package realmagent

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/warden/internal/realmprotocol"
)

// rebootGuest issues the kernel reboot(2) syscall, base spec §4.8.1's
// Reboot request. The agent has already sent its Success response and torn
// down every application by the time this runs (see Agent.Serve).
func rebootGuest() error {
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("realmagent: reboot(2): %w", err)
	}
	return nil
}

// guestInterfaceAddrs answers base spec §4.8.1's GetIfAddrs request: one
// address per non-loopback interface (where an interface has several, the
// last one listed is kept), in the CIDR-derived address/netmask shape
// realmprotocol.NetAddr carries on the wire.
func guestInterfaceAddrs() (map[string]realmprotocol.NetAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	out := make(map[string]realmprotocol.NetAddr)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			mask := net.IP(ipNet.Mask).String()
			out[iface.Name] = realmprotocol.NetAddr{
				Address: ipNet.IP.String(),
				Netmask: &mask,
			}
		}
	}
	return out, nil
}
