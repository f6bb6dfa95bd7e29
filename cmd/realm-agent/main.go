// realm-agent is the guest PID 1 companion process described in base spec
// §4.7/§4.8: it dials the host's vsock rendezvous, accepts exactly one
// ProvisionInfo manifest, runs each application's disk pipeline, and then
// proxies start/stop/status/reboot/shutdown requests to the per-application
// supervisors for the rest of the realm's lifetime.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/xfeldman/warden/internal/realmagent"
	"github.com/xfeldman/warden/internal/sealkey"
	"github.com/xfeldman/warden/internal/transport"
)

const (
	// vmadmCIDHost is VMADDR_CID_HOST — the vsock address of the
	// hypervisor's host side, reachable from any guest.
	vmadmCIDHost = 2

	defaultVsockPort = 9999

	// Fixed boot-provisioned paths: the guest image build places an initial
	// sealing-key seed and the vendor CA's public key here. Deriving these
	// from a confidential-VM attestation measurement is out of scope; see
	// DESIGN.md.
	sealingSeedPath = "/etc/warden/sealing.key"
	caPubPath       = "/etc/warden/ca_pub.der"

	workdirRoot = "/var/lib/warden"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	port := uint32(defaultVsockPort)
	if v := os.Getenv("WARDEN_VSOCK_PORT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Fatalf("invalid WARDEN_VSOCK_PORT %q: %v", v, err)
		}
		port = uint32(n)
	}

	caPub, err := loadCAPub(caPubPath)
	if err != nil {
		log.Fatalf("load CA public key: %v", err)
	}

	keySource, err := loadInitialSealing(sealingSeedPath)
	if err != nil {
		log.Fatalf("load sealing key seed: %v", err)
	}

	conn, err := vsock.Dial(vmadmCIDHost, port, nil)
	if err != nil {
		log.Fatalf("dial host vsock port %d: %v", port, err)
	}
	defer conn.Close()

	log.Printf("realm-agent connected to host on vsock port %d", port)

	agent := realmagent.New(workdirRoot, keySource, caPub)
	if err := agent.Serve(context.Background(), transport.New(conn)); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func loadCAPub(path string) (*ecdsa.PublicKey, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("CA public key is not an ECDSA key")
	}
	return ecdsaPub, nil
}

func loadInitialSealing(path string) (sealkey.Sealing, error) {
	ikm, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return sealkey.FromIKM(ikm), nil
}
