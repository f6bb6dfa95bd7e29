package netfabric

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
)

// DHCPServer starts and stops a DHCP/DNS server bound to one interface,
// matching dhcp.rs's DHCPServer trait.
type DHCPServer interface {
	Start(ifAddr net.IP, ifName string) error
	Stop() error
}

// DnsmasqServer runs dnsmasq(8) in the foreground as a subprocess, matching
// dnsmasq_server_handler.rs's DnsmasqServerHandler exactly (same flags, same
// dhcp-range computation from the bridge address plus a lease count).
type DnsmasqServer struct {
	binPath     string
	leaseCount  uint8
	dnsRecords  []string

	cmd *exec.Cmd
}

// NewDnsmasqServer validates that binPath exists and names dnsmasq, matching
// DnsmasqServerHandler::validate_exec_path.
func NewDnsmasqServer(binPath string, leaseCount uint8, dnsRecords []string) (*DnsmasqServer, error) {
	if !strings.HasSuffix(binPath, "dnsmasq") {
		return nil, fmt.Errorf("netfabric: dnsmasq binary path %q must end in \"dnsmasq\"", binPath)
	}
	if _, err := os.Stat(binPath); err != nil {
		return nil, fmt.Errorf("netfabric: dnsmasq binary: %w", err)
	}
	return &DnsmasqServer{binPath: binPath, leaseCount: leaseCount, dnsRecords: dnsRecords}, nil
}

// leaseRange computes [ifAddr+1, ifAddr+leaseCount], matching
// DnsmasqServerHandler::calculate_range_str.
func leaseRange(ifAddr net.IP, leaseCount uint8) (net.IP, net.IP, error) {
	base := ifAddr.To4()
	if base == nil {
		return nil, nil, fmt.Errorf("netfabric: only IPv4 DHCP ranges are supported")
	}
	start := make(net.IP, 4)
	copy(start, base)
	start[3]++

	end := make(net.IP, 4)
	copy(end, base)
	end[3] += leaseCount
	return start, end, nil
}

// Start spawns dnsmasq bound to ifName, serving leases over [ifAddr+1,
// ifAddr+leaseCount], matching DnsmasqServerHandler::start. It returns an
// error if already started.
func (s *DnsmasqServer) Start(ifAddr net.IP, ifName string) error {
	if s.cmd != nil {
		return fmt.Errorf("netfabric: dnsmasq already started")
	}

	start, end, err := leaseRange(ifAddr, s.leaseCount)
	if err != nil {
		return err
	}

	args := []string{
		"-I", "lo",
		"-C", "/dev/null",
		"-k",
		"--dhcp-no-override",
		"--dhcp-authoritative",
		"--bind-dynamic",
	}
	for _, rec := range s.dnsRecords {
		args = append(args, "--address="+rec)
	}
	args = append(args, "-i", ifName, fmt.Sprintf("--dhcp-range=%s,%s", start, end))

	cmd := exec.Command(s.binPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("netfabric: spawn dnsmasq: %w", err)
	}
	s.cmd = cmd
	return nil
}

// Stop kills and reaps the dnsmasq subprocess, matching
// DnsmasqServerHandler::kill_dhcp_server.
func (s *DnsmasqServer) Stop() error {
	if s.cmd == nil {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("netfabric: kill dnsmasq: %w", err)
	}
	err := s.cmd.Wait()
	s.cmd = nil
	if err != nil {
		return fmt.Errorf("netfabric: wait for dnsmasq exit: %w", err)
	}
	return nil
}
