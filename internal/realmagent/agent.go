// Package realmagent implements the guest-side counterpart of base spec
// §4.8: Agent accepts exactly one control connection for the realm's
// entire lifetime, provisions its applications exactly once, and proxies
// every subsequent request to the matching application's Supervisor.
//
// Grounded on _examples/xfeldman-aegisvm/internal/harness/rpc.go's
// handleConnection/dispatch pair (scan-classify-dispatch-respond,
// connection-close-on-"shutdown"), generalised from JSON-RPC method-name
// routing to realmprotocol's tagged-union Request/Response over
// internal/transport's length-framed codec.
package realmagent

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/sealkey"
	"github.com/xfeldman/warden/internal/transport"
)

// Agent is the realm's single long-lived control-connection handler.
type Agent struct {
	workdir   string
	keySource sealkey.Sealing
	caPub     *ecdsa.PublicKey
	rebootFn  func() error

	mu          sync.Mutex
	provisioned bool
	apps        map[uuid.UUID]*provisionedApp
}

// New returns an Agent rooted at workdir, deriving all application keys
// from keySource and verifying image signature chains against caPub.
func New(workdir string, keySource sealkey.Sealing, caPub *ecdsa.PublicKey) *Agent {
	return &Agent{
		workdir:   workdir,
		keySource: keySource,
		caPub:     caPub,
		rebootFn:  rebootGuest,
		apps:      make(map[uuid.UUID]*provisionedApp),
	}
}

// Serve runs the read-dispatch-write loop over f until the peer closes the
// connection, a Shutdown request is handled (connection teardown, no
// Response frame), or ctx is cancelled. It returns nil on any of the
// "this was an expected end of the session" outcomes.
func (a *Agent) Serve(ctx context.Context, f *transport.Framed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req realmprotocol.Request
		if err := f.Recv(&req); err != nil {
			if err == transport.ErrStreamClosed {
				return nil
			}
			return fmt.Errorf("realmagent: receive request: %w", err)
		}

		if req.Kind == realmprotocol.RequestShutdown {
			a.shutdown()
			f.Close()
			return nil
		}

		resp := a.dispatch(ctx, req)

		if err := f.Send(resp); err != nil {
			return fmt.Errorf("realmagent: send response to %s: %w", req.Kind, err)
		}

		if req.Kind == realmprotocol.RequestReboot && resp.Kind != realmprotocol.ResponseError {
			a.shutdown()
			if err := a.rebootFn(); err != nil {
				log.Printf("realmagent: reboot: %v", err)
			}
			return nil
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, req realmprotocol.Request) realmprotocol.Response {
	switch req.Kind {
	case realmprotocol.RequestProvisionInfo:
		return a.handleProvisionInfo(ctx, req.Applications)
	case realmprotocol.RequestGetIfAddrs:
		return a.handleGetIfAddrs()
	case realmprotocol.RequestCheckStatus:
		return a.withSupervisor(req.AppID, func(s *Supervisor) realmprotocol.Response { return s.TryWait() })
	case realmprotocol.RequestStartApp:
		// Applications are execed as part of ProvisionInfo's pipeline and
		// run until stopped or killed; StartApp on an already-running
		// application is a no-op success (base spec §4.8.1).
		return a.withSupervisor(req.AppID, func(s *Supervisor) realmprotocol.Response { return realmprotocol.Success() })
	case realmprotocol.RequestStopApp:
		return a.withSupervisor(req.AppID, func(s *Supervisor) realmprotocol.Response { return s.Stop() })
	case realmprotocol.RequestKillApp:
		return a.withSupervisor(req.AppID, func(s *Supervisor) realmprotocol.Response { return s.Kill() })
	case realmprotocol.RequestReboot:
		return realmprotocol.Success()
	default:
		return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationLaunchFailed, fmt.Sprintf("unhandled request kind %q", req.Kind)))
	}
}

// handleProvisionInfo runs base spec §4.7's disk pipeline for every
// application in the manifest and starts each one's Supervisor. It may be
// called at most once per connection's lifetime, matching base spec
// §4.8.2's "ProvisionInfo received a second time is an error".
func (a *Agent) handleProvisionInfo(ctx context.Context, apps []realmprotocol.ApplicationInfo) realmprotocol.Response {
	a.mu.Lock()
	if a.provisioned {
		a.mu.Unlock()
		return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationsAlreadyProvisioned, ""))
	}
	a.provisioned = true
	a.mu.Unlock()

	started := make(map[uuid.UUID]*provisionedApp, len(apps))
	for _, app := range apps {
		workdir := appWorkdir(a.workdir, app.ID)
		p, err := provisionApplication(ctx, workdir, app, a.keySource, a.caPub)
		if err != nil {
			for _, pa := range started {
				pa.supervisor.Terminate()
				pa.teardown()
			}
			return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationLaunchFailed, err.Error()))
		}
		started[app.ID] = p
	}

	a.mu.Lock()
	for id, p := range started {
		a.apps[id] = p
	}
	a.mu.Unlock()

	return realmprotocol.Success()
}

func (a *Agent) handleGetIfAddrs() realmprotocol.Response {
	addrs, err := guestInterfaceAddrs()
	if err != nil {
		return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationLaunchFailed, err.Error()))
	}
	return realmprotocol.IfAddrs(addrs)
}

func (a *Agent) withSupervisor(id uuid.UUID, fn func(*Supervisor) realmprotocol.Response) realmprotocol.Response {
	a.mu.Lock()
	p, ok := a.apps[id]
	a.mu.Unlock()
	if !ok {
		if !a.isProvisioned() {
			return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrProvisionInfoNotReceived, ""))
		}
		return realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationNotFound, id.String()))
	}
	return fn(p.supervisor)
}

func (a *Agent) isProvisioned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provisioned
}

// shutdown force-kills and reaps every still-running application and
// unwinds each one's disk pipeline, base spec §4.8.3's "on supervisor
// exit, any still-running child is force-killed and reaped" applied at
// the whole-agent level.
func (a *Agent) shutdown() {
	a.mu.Lock()
	apps := a.apps
	a.apps = make(map[uuid.UUID]*provisionedApp)
	a.mu.Unlock()

	for _, p := range apps {
		p.supervisor.Terminate()
		p.teardown()
	}
}

func appWorkdir(root string, id uuid.UUID) string {
	return filepath.Join(root, id.String())
}
