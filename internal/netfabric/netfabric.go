package netfabric

import (
	"fmt"
	"net"
	"sync"
)

// Config describes the host bridge's identity and subnet, matching
// network.rs's NatConfig (net_if_name/net_if_ip/net_if_mask).
type Config struct {
	BridgeName string
	Network    *net.IPNet // the bridge's subnet; the bridge itself takes Network+1
}

// Manager owns the host bridge, its NAT/filter/mangle rulesets, the DHCP
// server bound to it, and the set of per-realm tap devices attached to it.
// It is the Go counterpart of nat_manager.rs's NetworkManagerHandler.
type Manager struct {
	cfg      Config
	bridgeIP net.IP
	dhcp     DHCPServer

	mu   sync.Mutex
	taps map[string]string // realm UUID -> tap device name
}

// CreateNAT creates the bridge, installs the NAT/filter/mangle rulesets, and
// starts dhcp bound to the bridge. On any failure it rolls back everything
// created so far, matching create_nat's bridge→routing→dhcp ordered
// rollback.
func CreateNAT(cfg Config, dhcp DHCPServer) (*Manager, error) {
	bridgeIP, err := bridgeAddr(cfg.Network)
	if err != nil {
		return nil, err
	}

	if err := createBridge(cfg.BridgeName, bridgeIP, cfg.Network); err != nil {
		return nil, fmt.Errorf("netfabric: create nat network: %w", err)
	}

	if err := installNAT(cfg.Network); err != nil {
		deleteBridge(cfg.BridgeName)
		return nil, fmt.Errorf("netfabric: create nat network: %w", err)
	}
	if err := installFilter(cfg.BridgeName, bridgeIP); err != nil {
		removeNAT()
		deleteBridge(cfg.BridgeName)
		return nil, fmt.Errorf("netfabric: create nat network: %w", err)
	}
	if err := installMangle(cfg.BridgeName); err != nil {
		removeFilter(cfg.BridgeName)
		removeNAT()
		deleteBridge(cfg.BridgeName)
		return nil, fmt.Errorf("netfabric: create nat network: %w", err)
	}

	if err := dhcp.Start(bridgeIP, cfg.BridgeName); err != nil {
		removeMangle(cfg.BridgeName)
		removeFilter(cfg.BridgeName)
		removeNAT()
		deleteBridge(cfg.BridgeName)
		return nil, fmt.Errorf("netfabric: create nat network: %w", err)
	}

	return &Manager{cfg: cfg, bridgeIP: bridgeIP, dhcp: dhcp, taps: make(map[string]string)}, nil
}

// ShutdownNAT tears down every tap, stops dhcp, deletes the bridge, and
// removes the rulesets — best-effort, running every step even after one
// fails and returning the first error encountered, matching shutdown_nat.
func (m *Manager) ShutdownNAT() error {
	m.mu.Lock()
	realmIDs := make([]string, 0, len(m.taps))
	for id := range m.taps {
		realmIDs = append(realmIDs, id)
	}
	m.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, id := range realmIDs {
		record(m.ShutdownTapDeviceForRealm(id))
	}
	record(m.dhcp.Stop())
	record(deleteBridge(m.cfg.BridgeName))
	record(removeMangle(m.cfg.BridgeName))
	record(removeFilter(m.cfg.BridgeName))
	record(removeNAT())
	return firstErr
}

// CreateTapDeviceForRealm creates a tap device and attaches it to the
// bridge, recording it under realmID, matching
// create_tap_device_for_realm.
func (m *Manager) CreateTapDeviceForRealm(name, realmID string) error {
	if err := createTap(name); err != nil {
		return fmt.Errorf("netfabric: create tap device: %w", err)
	}
	if err := attachToBridge(m.cfg.BridgeName, name); err != nil {
		deleteTap(name)
		return fmt.Errorf("netfabric: create tap device: %w", err)
	}

	m.mu.Lock()
	m.taps[realmID] = name
	m.mu.Unlock()
	return nil
}

// ShutdownTapDeviceForRealm detaches and deletes realmID's tap device,
// matching shutdown_tap_device_for_realm. It fails if no tap is recorded for
// realmID.
func (m *Manager) ShutdownTapDeviceForRealm(realmID string) error {
	m.mu.Lock()
	name, ok := m.taps[realmID]
	if ok {
		delete(m.taps, realmID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("netfabric: no tap device for realm %s", realmID)
	}

	if err := detachFromBridge(name); err != nil {
		return fmt.Errorf("netfabric: destroy tap device: %w", err)
	}
	if err := deleteTap(name); err != nil {
		return fmt.Errorf("netfabric: destroy tap device: %w", err)
	}
	return nil
}

// BridgeAddr returns the bridge's own address on its subnet.
func (m *Manager) BridgeAddr() net.IP { return m.bridgeIP }
