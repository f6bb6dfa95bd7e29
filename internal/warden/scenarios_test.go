package warden

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/transport"
	"github.com/xfeldman/warden/internal/vmm"
)

// sequentialRendezvous hands out one queued connection per AcquireSender
// call, in order — a realm acquires a fresh control connection on Start and
// again on every Reboot, per §4.5.3/§4.5.4.
type sequentialRendezvous struct {
	mu    sync.Mutex
	conns []*transport.Framed
}

func (s *sequentialRendezvous) push(f *transport.Framed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, f)
}

func (s *sequentialRendezvous) AcquireSender(ctx context.Context, cid uint32) (*transport.Framed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil, errors.New("sequentialRendezvous: no connection queued")
	}
	f := s.conns[0]
	s.conns = s.conns[1:]
	return f, nil
}

// newFakeAgentConn returns the warden-side end of a pipe (handed to
// rendezvous) and starts a goroutine on the agent-side end that answers
// ProvisionInfo, GetIfAddrs, and Reboot requests with a fixed Success/empty
// reply, in the style of realm_test.go's single-exchange fakes but looping
// to serve the whole scenario sequence over one connection.
func newFakeAgentConn(t *testing.T) *transport.Framed {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	go func() {
		agent := transport.New(server)
		for {
			var req realmprotocol.Request
			if err := agent.Recv(&req); err != nil {
				return
			}
			switch req.Kind {
			case realmprotocol.RequestProvisionInfo, realmprotocol.RequestReboot:
				if err := agent.Send(realmprotocol.Success()); err != nil {
					return
				}
			case realmprotocol.RequestGetIfAddrs:
				if err := agent.Send(realmprotocol.IfAddrs(map[string]realmprotocol.NetAddr{})); err != nil {
					return
				}
			default:
				if err := agent.Send(realmprotocol.Success()); err != nil {
					return
				}
			}
		}
	}()

	return transport.New(client)
}

// TestS1_CreateRealmThenInspect matches the base spec's S1: creating a realm
// and inspecting it before it is ever started reports Halted with no
// applications and no addresses — no agent round trip is involved, since
// Data only calls GetIfAddrs while Running or NeedReboot.
func TestS1_CreateRealmThenInspect(t *testing.T) {
	w, _ := newTestWarden(t)

	id, err := w.CreateRealm(vmm.RealmConfig{Network: vmm.NetworkConfig{VsockCID: 12344, TapDevice: "tap200"}})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}

	desc, err := w.InspectRealm(context.Background(), id)
	if err != nil {
		t.Fatalf("InspectRealm: %v", err)
	}
	if desc.RealmData.State != Halted {
		t.Fatalf("got state %q, want Halted", desc.RealmData.State)
	}
	if len(desc.RealmData.Applications) != 0 {
		t.Fatalf("got applications %+v, want none", desc.RealmData.Applications)
	}
	if len(desc.RealmData.IPs) != 0 {
		t.Fatalf("got IPs %+v, want none", desc.RealmData.IPs)
	}
}

// TestS2_ApplicationLifecycleTransitionsRealmState matches the base spec's
// S2: declaring an application, starting the realm, updating the
// application's config while running (demoting to NeedReboot), and
// rebooting to return to Running.
func TestS2_ApplicationLifecycleTransitionsRealmState(t *testing.T) {
	rv := &sequentialRendezvous{}
	rv.push(newFakeAgentConn(t))
	rv.push(newFakeAgentConn(t))

	tap := newFakeTapManager()
	w := New(Config{WorkDir: t.TempDir(), BinPaths: map[vmm.Kind]string{vmm.Qemu: "fake-bin", vmm.Lkvm: "fake-bin"}, ConnectWaitTime: time.Second}, rv, tap)

	realmID, err := w.CreateRealm(vmm.RealmConfig{Network: vmm.NetworkConfig{VsockCID: 12344, TapDevice: "tap200"}})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	realm, err := w.GetRealm(realmID)
	if err != nil {
		t.Fatalf("GetRealm: %v", err)
	}
	realm.launch = func(string, vmm.RealmConfig, []vmm.AppDisk) (vmProcess, error) { return &fakeVMProcess{}, nil }

	appID, err := realm.CreateApplication(ApplicationConfig{
		Name: "app", Version: "0.0.1", ImageRegistry: "https://r/",
		ImageStorageSizeMB: 128, DataStorageSizeMB: 128,
	})
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}

	if err := realm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if data, err := realm.Data(context.Background()); err != nil || data.State != Running {
		t.Fatalf("got data=%+v err=%v, want state Running", data, err)
	}

	if err := realm.UpdateApplication(appID, ApplicationConfig{
		Name: "app", Version: "0.0.1", ImageRegistry: "https://r/",
		ImageStorageSizeMB: 32, DataStorageSizeMB: 32,
	}); err != nil {
		t.Fatalf("UpdateApplication: %v", err)
	}
	if data, err := realm.Data(context.Background()); err != nil || data.State != NeedReboot {
		t.Fatalf("got data=%+v err=%v, want state NeedReboot", data, err)
	}

	if err := realm.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if data, err := realm.Data(context.Background()); err != nil || data.State != Running {
		t.Fatalf("got data=%+v err=%v, want state Running", data, err)
	}
}

// TestS3_DestroyRejectsWhileRunning matches the base spec's S3: destroying a
// running realm fails with the same message the state check produces.
func TestS3_DestroyRejectsWhileRunning(t *testing.T) {
	w, _ := newTestWarden(t)

	id, err := w.CreateRealm(vmm.RealmConfig{})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	realm, _ := w.GetRealm(id)
	realm.state = Running

	err = w.DestroyRealm(context.Background(), id)
	var wardenErr *WardenError
	if !errors.As(err, &wardenErr) || wardenErr.Kind != WardenErrDestroyFail {
		t.Fatalf("got %v, want DestroyFail", err)
	}
	if wardenErr.Message != "Can't destroy realm that isn't stopped." {
		t.Fatalf("got message %q, want the exact base-spec wording", wardenErr.Message)
	}
}

// TestS5_StartTimesOutAndLeavesRealmHalted matches the base spec's S5: with
// a zero connect-wait and a VM that never completes rendezvous, StartRealm
// fails and the realm stays Halted.
func TestS5_StartTimesOutAndLeavesRealmHalted(t *testing.T) {
	w := New(Config{WorkDir: t.TempDir(), BinPaths: map[vmm.Kind]string{vmm.Qemu: "fake-bin", vmm.Lkvm: "fake-bin"}, ConnectWaitTime: 0}, &fakeRendezvous{err: context.DeadlineExceeded}, newFakeTapManager())

	id, err := w.CreateRealm(vmm.RealmConfig{})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	realm, _ := w.GetRealm(id)
	realm.launch = func(string, vmm.RealmConfig, []vmm.AppDisk) (vmProcess, error) { return &fakeVMProcess{}, nil }

	err = realm.Start(context.Background())
	var realmErr *RealmError
	if !errors.As(err, &realmErr) || realmErr.Kind != RealmErrRealmStartFail {
		t.Fatalf("got %v, want RealmStartFail", err)
	}

	desc, err := w.InspectRealm(context.Background(), id)
	if err != nil {
		t.Fatalf("InspectRealm: %v", err)
	}
	if desc.RealmData.State != Halted {
		t.Fatalf("got state %q, want Halted", desc.RealmData.State)
	}
}
