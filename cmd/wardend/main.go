// wardend is the host warden daemon — the control plane for realm and
// application lifecycle (base spec §4).
//
// It opens the control socket, recovers any realms persisted from a
// previous run, stands up the network fabric and vsock rendezvous, and
// serves control commands until it receives SIGTERM/SIGINT.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xfeldman/warden/internal/config"
	"github.com/xfeldman/warden/internal/control"
	"github.com/xfeldman/warden/internal/netfabric"
	"github.com/xfeldman/warden/internal/rendezvous"
	"github.com/xfeldman/warden/internal/version"
	"github.com/xfeldman/warden/internal/vmm"
	"github.com/xfeldman/warden/internal/warden"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("wardend %s", version.Version())

	cfg, err := config.DefaultConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if cfg.LauncherBin == "" {
		log.Fatal("qemu-system binary not found on PATH")
	}

	log.Printf("wardend starting (workdir=%s, socket=%s)", cfg.WorkDir, cfg.SocketPath)

	var dhcp netfabric.DHCPServer
	if cfg.DnsmasqBin != "" {
		dhcp, err = netfabric.NewDnsmasqServer(cfg.DnsmasqBin, cfg.DHCPLeaseCount, nil)
		if err != nil {
			log.Fatalf("init dnsmasq: %v", err)
		}
	} else {
		log.Fatal("dnsmasq binary not found on PATH")
	}

	tapMgr, err := netfabric.CreateNAT(netfabric.Config{BridgeName: cfg.BridgeName, Network: cfg.BridgeNetwork}, dhcp)
	if err != nil {
		log.Fatalf("create network fabric: %v", err)
	}
	log.Printf("network fabric ready: bridge %s (%s)", cfg.BridgeName, tapMgr.BridgeAddr())

	rv, err := rendezvous.Listen(cfg.VsockPort)
	if err != nil {
		log.Fatalf("listen on vsock port %d: %v", cfg.VsockPort, err)
	}

	w, err := warden.Recover(warden.Config{
		WorkDir:         cfg.WorkDir,
		BinPaths:        map[vmm.Kind]string{vmm.Qemu: cfg.LauncherBin, vmm.Lkvm: cfg.LkvmBin},
		ConnectWaitTime: cfg.ConnectWaitTime,
	}, rv, tapMgr)
	if err != nil {
		log.Fatalf("recover realms: %v", err)
	}

	server := control.New(cfg.SocketPath, w)
	if err := server.Start(); err != nil {
		log.Fatalf("start control server: %v", err)
	}

	pidPath := cfg.WorkDir + "/wardend.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Printf("wardend ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	if err := server.Stop(); err != nil {
		log.Printf("control server shutdown: %v", err)
	}
	if err := tapMgr.ShutdownNAT(); err != nil {
		log.Printf("network fabric shutdown: %v", err)
	}

	log.Println("wardend stopped")
}
