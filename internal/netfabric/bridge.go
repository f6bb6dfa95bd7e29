// Package netfabric is the host network fabric of base spec §4.9: one
// bridge with a pre-computed host-side address, NAT/filter/mangle rulesets
// installed on start and removed on stop, one tap device per realm attached
// to the bridge, and a dnsmasq-backed DHCP/DNS server bound to the bridge.
//
// No teacher package does real bridge/tap/iptables networking (the teacher
// backs VMs with gvisor-tap-vsock userspace networking instead), so this is
// grounded directly on
// _examples/original_source/warden/warden_daemon/src/virtualization/{nat_manager.rs,nat_manager/*.rs,dhcp.rs,dnsmasq_server_handler.rs}.
// The original drives bridge/tap creation over rtnetlink and NAT/filter/
// mangle rules through the `iptables` crate (itself a wrapper over the
// iptables(8) binary) — the nearest Go equivalents in the retrieval pack are
// github.com/vishvananda/netlink (a real netlink library, present in the
// pack's canonical-snapd go.mod) for link management, and os/exec wrapping
// iptables(8) directly for rule management, matching the original's own
// abstraction level rather than the specific rtnetlink/iptables crates.
package netfabric

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// bridgeAddr returns network's address plus one — the bridge's own address
// on its subnet, matching nat_manager.rs's calculate_bridge_addr.
func bridgeAddr(network *net.IPNet) (net.IP, error) {
	ip := network.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("netfabric: only IPv4 bridge networks are supported")
	}
	addr := make(net.IP, 4)
	copy(addr, ip)
	addr[3]++
	return addr, nil
}

// createBridge creates a bridge interface named name, assigns it address/
// prefixLen, and brings it up — matching RtNetLinkBridge::new (create link,
// assign address, set up).
func createBridge(name string, addr net.IP, network *net.IPNet) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("netfabric: create bridge %s: %w", name, err)
	}

	ones, _ := network.Mask.Size()
	bridgeNet := &net.IPNet{IP: addr, Mask: network.Mask}
	if err := netlink.AddrAdd(br, &netlink.Addr{IPNet: bridgeNet}); err != nil {
		netlink.LinkDel(br)
		return fmt.Errorf("netfabric: assign %s/%d to bridge %s: %w", addr, ones, name, err)
	}

	if err := netlink.LinkSetUp(br); err != nil {
		netlink.LinkDel(br)
		return fmt.Errorf("netfabric: bring up bridge %s: %w", name, err)
	}
	return nil
}

// deleteBridge removes the named bridge interface.
func deleteBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netfabric: find bridge %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netfabric: delete bridge %s: %w", name, err)
	}
	return nil
}

// createTap creates a persistent tap device, matching
// tap_handler.rs's TapDeviceFabric::create_tap (tokio_tun's TunBuilder with
// .persist().up().tap(true)).
func createTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("netfabric: create tap %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		netlink.LinkDel(tap)
		return fmt.Errorf("netfabric: bring up tap %s: %w", name, err)
	}
	return nil
}

// deleteTap removes a tap device by name.
func deleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netfabric: find tap %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netfabric: delete tap %s: %w", name, err)
	}
	return nil
}

// attachToBridge enslaves tapName to bridgeName, matching
// RtNetLinkBridge::add_tap_device_to_bridge (link set master).
func attachToBridge(bridgeName, tapName string) error {
	br, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("netfabric: find bridge %s: %w", bridgeName, err)
	}
	tap, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("netfabric: find tap %s: %w", tapName, err)
	}
	if err := netlink.LinkSetMaster(tap, br); err != nil {
		return fmt.Errorf("netfabric: attach %s to bridge %s: %w", tapName, bridgeName, err)
	}
	return nil
}

// detachFromBridge removes tapName from whatever bridge it belongs to,
// matching RtNetLinkBridge::remove_tap_device_from_bridge (link set
// nomaster).
func detachFromBridge(tapName string) error {
	tap, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("netfabric: find tap %s: %w", tapName, err)
	}
	if err := netlink.LinkSetNoMaster(tap); err != nil {
		return fmt.Errorf("netfabric: detach %s from its bridge: %w", tapName, err)
	}
	return nil
}
