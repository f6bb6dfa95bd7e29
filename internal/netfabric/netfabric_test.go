package netfabric

import (
	"net"
	"testing"
)

func TestBridgeAddrIsNetworkPlusOne(t *testing.T) {
	_, network, err := net.ParseCIDR("172.20.0.0/24")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	addr, err := bridgeAddr(network)
	if err != nil {
		t.Fatalf("bridgeAddr: %v", err)
	}
	if addr.String() != "172.20.0.1" {
		t.Fatalf("got %s, want 172.20.0.1", addr)
	}
}

func TestLeaseRangeSpansConfiguredCount(t *testing.T) {
	start, end, err := leaseRange(net.ParseIP("172.20.0.1"), 10)
	if err != nil {
		t.Fatalf("leaseRange: %v", err)
	}
	if start.String() != "172.20.0.2" {
		t.Fatalf("start = %s, want 172.20.0.2", start)
	}
	if end.String() != "172.20.0.11" {
		t.Fatalf("end = %s, want 172.20.0.11", end)
	}
}

func TestFilterChainNaming(t *testing.T) {
	if got := filterChain("br-warden", "FWI"); got != "br-warden_FWI" {
		t.Fatalf("got %q", got)
	}
	if got := mangleChainName("br-warden"); got != "br-warden_PRT" {
		t.Fatalf("got %q", got)
	}
}

func TestNewDnsmasqServerRejectsWrongBinaryName(t *testing.T) {
	if _, err := NewDnsmasqServer("/usr/sbin/dhcpd", 10, nil); err == nil {
		t.Fatalf("expected rejection of a non-dnsmasq binary path")
	}
}

func TestNewDnsmasqServerRejectsMissingBinary(t *testing.T) {
	if _, err := NewDnsmasqServer("/nonexistent/path/dnsmasq", 10, nil); err == nil {
		t.Fatalf("expected rejection of a missing binary path")
	}
}

func TestShutdownTapDeviceForRealmFailsWithoutRecordedTap(t *testing.T) {
	m := &Manager{taps: make(map[string]string)}
	if err := m.ShutdownTapDeviceForRealm("no-such-realm"); err == nil {
		t.Fatalf("expected an error for an unrecorded realm")
	}
}
