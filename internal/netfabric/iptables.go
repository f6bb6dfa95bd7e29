// iptables rule management for the bridge's NAT, filter, and mangle chains,
// grounded on nat_manager/{nat_table_handler.rs,filter_table_handler.rs,
// mangle_table_handler.rs} — each installs one per-interface chain, jumps to
// it from a well-known built-in chain, and flushes+unlinks+deletes the chain
// on teardown. Rules are applied by shelling out to iptables(8), matching
// the original's own `iptables` crate (itself a thin wrapper over the same
// binary).
package netfabric

import (
	"fmt"
	"net"
	"os/exec"
)

func runIptables(args ...string) error {
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("netfabric: iptables %v: %w: %s", args, err, out)
	}
	return nil
}

func networkString(network *net.IPNet) string {
	return network.String()
}

// filterChain and mangleChainName mirror the original's
// "{if_name}_{POSTFIX}" chain naming; natChainName is one fixed name.
func natChainName() string          { return "DAEMONVIRT_PRT" }
func filterChain(ifName, suffix string) string { return ifName + "_" + suffix }
func mangleChainName(ifName string) string     { return ifName + "_PRT" }

// installNAT creates the NAT chain, jumps to it from POSTROUTING, and adds
// the masquerade rules, matching NatIptablesTableManager::{create_chain,
// insert_ip_table_rules}.
func installNAT(network *net.IPNet) error {
	chain := natChainName()
	netStr := networkString(network)

	if err := runIptables("-t", "nat", "-N", chain); err != nil {
		// chain_exists check in the original; -N fails if it already exists,
		// which is fine on a re-install after a crash.
	}
	if err := runIptables("-t", "nat", "-A", "POSTROUTING", "-j", chain); err != nil {
		return err
	}
	rules := [][]string{
		{"-s", netStr, "-d", "224.0.0.0/24", "-j", "RETURN"},
		{"-s", netStr, "-d", "225.255.255.255", "-j", "RETURN"},
		{"-s", netStr, "!", "-d", netStr, "-p", "tcp", "-j", "MASQUERADE", "--to-ports", "1024-65535"},
		{"-s", netStr, "!", "-d", netStr, "-p", "udp", "-j", "MASQUERADE", "--to-ports", "1024-65535"},
		{"-s", netStr, "!", "-d", netStr, "-j", "MASQUERADE"},
	}
	for _, r := range rules {
		args := append([]string{"-t", "nat", "-A", chain}, r...)
		if err := runIptables(args...); err != nil {
			return err
		}
	}
	return nil
}

// removeNAT flushes and removes the NAT chain, matching
// NatIptablesTableManager::delete_chain.
func removeNAT() error {
	chain := natChainName()
	runIptables("-t", "nat", "-F", chain)
	runIptables("-t", "nat", "-D", "POSTROUTING", "-j", chain)
	return runIptables("-t", "nat", "-X", chain)
}

// installFilter creates the five per-interface filter chains (forward-in,
// forward-out, forward-loop, input, output) and their rules, matching
// FilterIptablesTableManager.
func installFilter(ifName string, ifAddr net.IP) error {
	fwi, fwo, fwx := filterChain(ifName, "FWI"), filterChain(ifName, "FWO"), filterChain(ifName, "FWX")
	inp, out := filterChain(ifName, "INP"), filterChain(ifName, "OUT")

	for _, c := range []string{fwi, fwo, fwx, inp, out} {
		runIptables("-N", c)
	}
	if err := runIptables("-A", "INPUT", "-j", inp); err != nil {
		return err
	}
	if err := runIptables("-A", "OUTPUT", "-j", out); err != nil {
		return err
	}
	for _, c := range []string{fwi, fwo, fwx} {
		if err := runIptables("-A", "FORWARD", "-j", c); err != nil {
			return err
		}
	}

	ip := ifAddr.String()
	rules := []struct {
		chain string
		args  []string
	}{
		{fwi, []string{"-d", ip, "-o", ifName, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
		{fwi, []string{"-o", ifName, "-j", "REJECT", "--reject-with", "icmp-port-unreachable"}},
		{fwo, []string{"-s", ip, "-i", ifName, "-j", "ACCEPT"}},
		{fwo, []string{"-i", ifName, "-j", "REJECT", "--reject-with", "icmp-port-unreachable"}},
		{fwx, []string{"-i", ifName, "-o", ifName, "-j", "ACCEPT"}},
		{inp, []string{"-i", ifName, "-p", "udp", "-m", "udp", "--dport", "53", "-j", "ACCEPT"}},
		{inp, []string{"-i", ifName, "-p", "tcp", "-m", "tcp", "--dport", "53", "-j", "ACCEPT"}},
		{inp, []string{"-i", ifName, "-p", "udp", "-m", "udp", "--dport", "67", "-j", "ACCEPT"}},
		{inp, []string{"-i", ifName, "-p", "tcp", "-m", "tcp", "--dport", "67", "-j", "ACCEPT"}},
		{out, []string{"-o", ifName, "-p", "udp", "-m", "udp", "--dport", "53", "-j", "ACCEPT"}},
		{out, []string{"-o", ifName, "-p", "tcp", "-m", "tcp", "--dport", "53", "-j", "ACCEPT"}},
		{out, []string{"-o", ifName, "-p", "udp", "-m", "udp", "--dport", "68", "-j", "ACCEPT"}},
		{out, []string{"-o", ifName, "-p", "tcp", "-m", "tcp", "--dport", "68", "-j", "ACCEPT"}},
	}
	for _, r := range rules {
		args := append([]string{"-A", r.chain}, r.args...)
		if err := runIptables(args...); err != nil {
			return err
		}
	}
	return nil
}

// removeFilter flushes, unlinks, and deletes the five filter chains.
func removeFilter(ifName string) error {
	fwi, fwo, fwx := filterChain(ifName, "FWI"), filterChain(ifName, "FWO"), filterChain(ifName, "FWX")
	inp, out := filterChain(ifName, "INP"), filterChain(ifName, "OUT")

	for _, c := range []string{fwi, fwo, fwx, inp, out} {
		runIptables("-F", c)
	}
	runIptables("-D", "INPUT", "-j", inp)
	runIptables("-D", "OUTPUT", "-j", out)
	for _, c := range []string{fwi, fwo, fwx} {
		runIptables("-D", "FORWARD", "-j", c)
	}
	var firstErr error
	for _, c := range []string{fwi, fwo, fwx, inp, out} {
		if err := runIptables("-X", c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// installMangle creates the per-interface mangle chain and its DHCP
// checksum-fill rule, matching MangleIptablesTableManager.
func installMangle(ifName string) error {
	chain := mangleChainName(ifName)
	runIptables("-t", "mangle", "-N", chain)
	if err := runIptables("-t", "mangle", "-A", "POSTROUTING", "-j", chain); err != nil {
		return err
	}
	return runIptables("-t", "mangle", "-A", chain,
		"-o", ifName, "-p", "udp", "-m", "udp", "--dport", "68", "-j", "CHECKSUM", "--checksum-fill")
}

// removeMangle flushes, unlinks, and deletes the mangle chain.
func removeMangle(ifName string) error {
	chain := mangleChainName(ifName)
	runIptables("-t", "mangle", "-F", chain)
	runIptables("-t", "mangle", "-D", "POSTROUTING", "-j", chain)
	return runIptables("-t", "mangle", "-X", chain)
}
