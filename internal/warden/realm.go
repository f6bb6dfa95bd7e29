package warden

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/warden/internal/fsrepo"
	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/transport"
	"github.com/xfeldman/warden/internal/vmm"
)

// State is a realm's position in the four-state machine of base spec
// §4.5.2, matching
// original_source/warden/warden_daemon/src/managers/realm.rs's State enum.
type State string

const (
	Halted       State = "Halted"
	Provisioning State = "Provisioning"
	Running      State = "Running"
	NeedReboot   State = "NeedReboot"
)

// RealmData is a transient read-only snapshot of a realm: its state, the
// UUIDs of its applications, and (only while Running or NeedReboot) the IP
// addresses observed on its guest network interfaces.
type RealmData struct {
	State        State
	Applications []uuid.UUID
	IPs          []string
}

// RealmDescription pairs a realm's identity with its data snapshot.
type RealmDescription struct {
	UUID      uuid.UUID
	RealmData RealmData
}

// vmProcess is the subset of *vmm.Process a realm depends on, so tests can
// substitute a fake VM without spawning a real hypervisor.
type vmProcess interface {
	TryExitStatus() (*os.ProcessState, bool)
	Shutdown(ctx context.Context) error
	Kill() error
}

// rendezvousListener is the subset of *rendezvous.Listener a realm needs to
// await its agent's control connection.
type rendezvousListener interface {
	AcquireSender(ctx context.Context, cid uint32) (*transport.Framed, error)
}

// tapManager is the subset of *netfabric.Manager a realm needs for its own
// tap device's lifecycle.
type tapManager interface {
	CreateTapDeviceForRealm(name, realmID string) error
	ShutdownTapDeviceForRealm(realmID string) error
}

// launchFunc spawns a realm's VM; overridable in tests.
type launchFunc func(binPath string, cfg vmm.RealmConfig, disks []vmm.AppDisk) (vmProcess, error)

func defaultLaunch(binPath string, cfg vmm.RealmConfig, disks []vmm.AppDisk) (vmProcess, error) {
	p, err := vmm.Launch(binPath, cfg, disks)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Realm is the realm/application hierarchy's middle tier: one VM, its
// applications, and the state machine coordinating them — matching
// original_source/warden/warden_daemon/src/managers/realm_manager.rs's
// RealmManager. Grounded in shape on
// _examples/xfeldman-aegisvm/internal/lifecycle/manager.go's mutex-guarded
// Instance (state field, owned resources, a single lock protecting
// transitions).
type Realm struct {
	id          uuid.UUID
	workdir     string
	binPath     string
	connectWait time.Duration

	rendezvous rendezvousListener
	tapMgr     tapManager
	launch     launchFunc
	handle     *controlHandle

	mu           sync.Mutex
	state        State
	cfg          vmm.RealmConfig
	applications map[uuid.UUID]*Application
	process      vmProcess
}

func newRealm(id uuid.UUID, workdir string, cfg vmm.RealmConfig, binPath string, rv rendezvousListener, tapMgr tapManager, connectWait time.Duration) *Realm {
	return &Realm{
		id:           id,
		workdir:      workdir,
		binPath:      binPath,
		connectWait:  connectWait,
		rendezvous:   rv,
		tapMgr:       tapMgr,
		launch:       defaultLaunch,
		handle:       &controlHandle{},
		state:        Halted,
		cfg:          cfg,
		applications: make(map[uuid.UUID]*Application),
	}
}

// UUID returns the realm's identity.
func (r *Realm) UUID() uuid.UUID { return r.id }

// Start runs base spec §4.5.3: prepare every application's disk in
// parallel, launch the VM, transition to Provisioning, then await and
// complete the provisioning handshake.
func (r *Realm) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Halted {
		return &RealmError{Kind: RealmErrUnsupportedAction, Message: "can't start realm that is not halted."}
	}

	if err := r.prepareApplicationsLocked(); err != nil {
		return err
	}

	proc, err := r.launch(r.binPath, r.cfg, r.appDisksLocked())
	if err != nil {
		return &RealmError{Kind: RealmErrRealmLaunchFail, Message: err.Error()}
	}
	r.process = proc
	r.state = Provisioning

	manifest := r.manifestLocked()
	provisionErr := r.provisionLocked(ctx, manifest)
	return r.handleProvisioningResponseLocked(provisionErr)
}

// prepareApplicationsLocked ensures every application's backing disk exists
// and matches its configured sizes, fanning the work out across
// applications concurrently and reporting the first failure — matching
// RealmManager::prepare_applications's JoinSet fan-out.
func (r *Realm) prepareApplicationsLocked() error {
	var g errgroup.Group
	for _, app := range r.applications {
		app := app
		g.Go(app.configureDisk)
	}
	if err := g.Wait(); err != nil {
		return &RealmError{Kind: RealmErrPrepareApplications, Message: err.Error()}
	}
	return nil
}

func (r *Realm) appDisksLocked() []vmm.AppDisk {
	disks := make([]vmm.AppDisk, 0, len(r.applications))
	for id, app := range r.applications {
		disks = append(disks, vmm.AppDisk{ApplicationID: id.String(), Path: app.disk.DiskPath()})
	}
	return disks
}

func (r *Realm) manifestLocked() []realmprotocol.ApplicationInfo {
	ids := make([]uuid.UUID, 0, len(r.applications))
	for id := range r.applications {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	manifest := make([]realmprotocol.ApplicationInfo, 0, len(ids))
	for _, id := range ids {
		manifest = append(manifest, r.applications[id].info())
	}
	return manifest
}

// provisionLocked acquires the agent's control connection for the realm's
// vsock cid and sends the provisioning manifest, both bounded by
// connectWait — base spec §4.5.3 step 5.
func (r *Realm) provisionLocked(ctx context.Context, manifest []realmprotocol.ApplicationInfo) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.connectWait)
	defer cancel()

	f, err := r.rendezvous.AcquireSender(waitCtx, r.cfg.Network.VsockCID)
	if err != nil {
		return fmt.Errorf("acquire control connection: %w", err)
	}
	conn := newControlConn(f)
	r.handle.set(conn)

	_, err = conn.call(waitCtx, realmprotocol.ProvisionInfo(manifest), false)
	return err
}

// handleProvisioningResponseLocked implements §4.5.3 step 6/7: on success,
// transition to Running; on failure, fold in the VM's exit status if it has
// already exited, or shut it down (falling back to a force kill) if it is
// still running, then return to Halted.
func (r *Realm) handleProvisioningResponseLocked(provisionErr error) error {
	if provisionErr == nil {
		r.state = Running
		return nil
	}

	r.state = Halted

	if status, exited := r.process.TryExitStatus(); exited {
		r.process = nil
		return &RealmError{Kind: RealmErrRealmStartFail, Message: fmt.Sprintf("%s, vm exited: %s", provisionErr, status)}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.connectWait)
	defer cancel()
	if shutErr := r.process.Shutdown(shutdownCtx); shutErr != nil {
		if killErr := r.process.Kill(); killErr != nil {
			r.process = nil
			return &RealmError{Kind: RealmErrVmDestroyFail, Message: killErr.Error()}
		}
	}
	r.process = nil
	return &RealmError{Kind: RealmErrRealmStartFail, Message: provisionErr.Error()}
}

// Stop runs base spec §4.5.4: ask the agent to shut the guest down
// (peer-disconnect counts as success), then force-kill and reap the VM.
func (r *Realm) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Running && r.state != NeedReboot {
		return &RealmError{Kind: RealmErrUnsupportedAction, Message: fmt.Sprintf("Can't stop realm that is in %s state.", r.state)}
	}

	if _, err := r.handle.call(ctx, realmprotocol.Shutdown(), true); err != nil {
		return &RealmError{Kind: RealmErrRealmStopFail, Message: err.Error()}
	}
	if err := r.process.Kill(); err != nil {
		return &RealmError{Kind: RealmErrVmStopFail, Message: err.Error()}
	}

	r.process = nil
	r.state = Halted
	return nil
}

// Reboot runs base spec §4.5.4: ask the agent to reboot the guest, then
// re-run the provisioning handshake against a fresh connection.
func (r *Realm) Reboot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Running && r.state != NeedReboot {
		return &RealmError{Kind: RealmErrUnsupportedAction, Message: fmt.Sprintf("Can't stop realm that is in %s state.", r.state)}
	}

	if _, err := r.handle.call(ctx, realmprotocol.Reboot(), false); err != nil {
		return &RealmError{Kind: RealmErrRealmStopFail, Message: err.Error()}
	}

	if err := r.provisionLocked(ctx, r.manifestLocked()); err != nil {
		return &RealmError{Kind: RealmErrRealmStopFail, Message: err.Error()}
	}

	r.state = Running
	return nil
}

// CreateApplication declares a new application within this realm. Requires
// Halted.
func (r *Realm) CreateApplication(cfg ApplicationConfig) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Halted {
		return uuid.Nil, &RealmError{Kind: RealmErrUnsupportedAction, Message: "Can't create application when realm is not halted."}
	}

	id := uuid.New()
	dir := appWorkdir(r.workdir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return uuid.Nil, &RealmError{Kind: RealmErrApplicationCreateFail, Message: err.Error()}
	}
	if _, err := fsrepo.New(filepath.Join(dir, configFileName), cfg); err != nil {
		os.RemoveAll(dir)
		return uuid.Nil, &RealmError{Kind: RealmErrApplicationCreateFail, Message: err.Error()}
	}
	r.applications[id] = newApplication(id, cfg, dir, r.handle)
	return id, nil
}

// UpdateApplication replaces an application's config. Forbidden while
// Provisioning; demotes Running to NeedReboot.
func (r *Realm) UpdateApplication(id uuid.UUID, cfg ApplicationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Provisioning {
		return &RealmError{Kind: RealmErrUnsupportedAction, Message: "Can't update application when realm is in provisioning phase."}
	}
	app, ok := r.applications[id]
	if !ok {
		return &RealmError{Kind: RealmErrApplicationMissing, AppID: id}
	}
	if _, err := fsrepo.New(filepath.Join(appWorkdir(r.workdir, id), configFileName), cfg); err != nil {
		return &RealmError{Kind: RealmErrApplicationOperation, Message: err.Error()}
	}
	app.UpdateConfig(cfg)
	if r.state == Running {
		r.state = NeedReboot
	}
	return nil
}

// GetApplication returns a handle to an existing application. Requires
// Running or NeedReboot.
func (r *Realm) GetApplication(id uuid.UUID) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Running && r.state != NeedReboot {
		return nil, &RealmError{Kind: RealmErrUnsupportedAction, Message: "Can't get application while realm isn't running."}
	}
	app, ok := r.applications[id]
	if !ok {
		return nil, &RealmError{Kind: RealmErrApplicationMissing, AppID: id}
	}
	return app, nil
}

// Data returns a snapshot of the realm's state, application UUIDs, and (if
// Running or NeedReboot) the IPs the agent reports on its interfaces.
func (r *Realm) Data(ctx context.Context) (RealmData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ips []string
	if r.state == Running || r.state == NeedReboot {
		resp, err := r.handle.call(ctx, realmprotocol.GetIfAddrs(), false)
		if err != nil {
			return RealmData{}, &RealmError{Kind: RealmErrAcquireIPsFail, Message: err.Error()}
		}
		for _, addr := range resp.IfAddrs {
			ips = append(ips, addr.Address)
		}
		sort.Strings(ips)
	}

	ids := make([]uuid.UUID, 0, len(r.applications))
	for id := range r.applications {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	return RealmData{State: r.state, Applications: ids, IPs: ips}, nil
}

// Destroy releases the realm's tap device and removes its workdir tree. The
// caller (Warden) has already verified the realm is Halted, per §4.5.5.
func (r *Realm) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if err := r.tapMgr.ShutdownTapDeviceForRealm(r.id.String()); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(r.workdir); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("destroy realm %s: %w", r.id, errors.Join(errs...))
	}
	return nil
}

func appWorkdir(realmDir string, appID uuid.UUID) string {
	return filepath.Join(realmDir, appID.String())
}
