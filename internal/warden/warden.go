// Package warden implements the host lifecycle manager of base spec §4.5:
// the realm/application hierarchy, its state machines, and the create
// /destroy/list/inspect operations a control server dispatches into. It
// coordinates the VM launcher, the network fabric's tap devices, and the
// vsock rendezvous, and persists enough state that realms and applications
// survive a daemon restart (§4.5.6).
//
// Grounded on
// _examples/xfeldman-aegisvm/internal/lifecycle/manager.go (a Manager owning
// a map of mutex-guarded Instances, a single top-level lock around the map
// itself), cross-checked against
// _examples/original_source/warden/warden_daemon/src/managers/{warden.rs,warden_manager.rs}
// for exact operation semantics and error taxonomy.
package warden

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/fsrepo"
	"github.com/xfeldman/warden/internal/vmm"
)

const configFileName = "config"

// Config is the warden's host-wide, daemon-lifetime configuration.
type Config struct {
	// WorkDir is the root persistent directory; each realm gets
	// WorkDir/<uuid>/.
	WorkDir string
	// BinPaths maps each vmm.Kind to the hypervisor binary the VM launcher
	// spawns for realms requesting that launcher.
	BinPaths map[vmm.Kind]string
	// ConnectWaitTime bounds how long start/reboot wait for the realm
	// agent's control connection and its response, per §4.5.3 step 5.
	ConnectWaitTime time.Duration
}

// binPathFor resolves the hypervisor binary for a realm's requested launcher
// kind.
func (c Config) binPathFor(k vmm.Kind) string {
	return c.BinPaths[k]
}

// Warden owns the realm collection: the only place realms are created,
// destroyed, listed, or looked up, matching WardenDaemon.
type Warden struct {
	cfg        Config
	rendezvous rendezvousListener
	tapMgr     tapManager

	mu     sync.Mutex
	realms map[uuid.UUID]*Realm
}

// New returns an empty Warden. Use Recover at daemon startup instead, to
// also reload any realms persisted from a previous run.
func New(cfg Config, rv rendezvousListener, tapMgr tapManager) *Warden {
	return &Warden{cfg: cfg, rendezvous: rv, tapMgr: tapMgr, realms: make(map[uuid.UUID]*Realm)}
}

// Recover performs the startup recovery scan of base spec §4.5.6: every
// UUID-named entry under cfg.WorkDir is loaded as a realm in Halted, its
// tap device is recreated, and each of its UUID-named application entries
// is loaded in turn. No realm resumes as Running — a VM that outlived the
// prior daemon instance is left orphaned.
func Recover(cfg Config, rv rendezvousListener, tapMgr tapManager) (*Warden, error) {
	w := New(cfg, rv, tapMgr)

	realmNames, err := fsrepo.DiscoverUUIDDirs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("warden: startup recovery scan: %w", err)
	}

	for _, realmName := range realmNames {
		id := uuid.MustParse(realmName)
		realmDir := filepath.Join(cfg.WorkDir, realmName)

		repo, err := fsrepo.Load[vmm.RealmConfig](filepath.Join(realmDir, configFileName))
		if err != nil {
			return nil, fmt.Errorf("warden: load realm %s: %w", id, err)
		}
		vmCfg := repo.Get()

		if err := tapMgr.CreateTapDeviceForRealm(vmCfg.Network.TapDevice, id.String()); err != nil {
			return nil, fmt.Errorf("warden: recreate tap for realm %s: %w", id, err)
		}

		realm := newRealm(id, realmDir, vmCfg, cfg.binPathFor(vmCfg.Launcher), rv, tapMgr, cfg.ConnectWaitTime)

		appNames, err := fsrepo.DiscoverUUIDDirs(realmDir)
		if err != nil {
			return nil, fmt.Errorf("warden: scan applications for realm %s: %w", id, err)
		}
		for _, appName := range appNames {
			appID := uuid.MustParse(appName)
			appDir := filepath.Join(realmDir, appName)

			appRepo, err := fsrepo.Load[ApplicationConfig](filepath.Join(appDir, configFileName))
			if err != nil {
				return nil, fmt.Errorf("warden: load application %s: %w", appID, err)
			}
			realm.applications[appID] = newApplication(appID, appRepo.Get(), appDir, realm.handle)
		}

		w.realms[id] = realm
	}

	return w, nil
}

// CreateRealm creates workdir/<uuid>/, persists config, creates the realm's
// tap device, and records a new realm in Halted. Any I/O failure rolls back
// everything created so far.
func (w *Warden) CreateRealm(cfg vmm.RealmConfig) (uuid.UUID, error) {
	if w.cfg.binPathFor(cfg.Launcher) == "" {
		return uuid.Nil, &WardenError{Kind: WardenErrRealmCreationFail, Message: fmt.Sprintf("no binary configured for launcher %s", cfg.Launcher)}
	}

	id := uuid.New()
	dir := filepath.Join(w.cfg.WorkDir, id.String())

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return uuid.Nil, &WardenError{Kind: WardenErrRealmCreationFail, Message: err.Error()}
	}
	if _, err := fsrepo.New(filepath.Join(dir, configFileName), cfg); err != nil {
		os.RemoveAll(dir)
		return uuid.Nil, &WardenError{Kind: WardenErrRealmCreationFail, Message: err.Error()}
	}
	if err := w.tapMgr.CreateTapDeviceForRealm(cfg.Network.TapDevice, id.String()); err != nil {
		os.RemoveAll(dir)
		return uuid.Nil, &WardenError{Kind: WardenErrRealmCreationFail, Message: err.Error()}
	}

	realm := newRealm(id, dir, cfg, w.cfg.binPathFor(cfg.Launcher), w.rendezvous, w.tapMgr, w.cfg.ConnectWaitTime)

	w.mu.Lock()
	w.realms[id] = realm
	w.mu.Unlock()
	return id, nil
}

// DestroyRealm requires the realm to be Halted; it removes the tap, deletes
// the directory tree, and drops the realm.
func (w *Warden) DestroyRealm(ctx context.Context, id uuid.UUID) error {
	realm, err := w.lookup(id)
	if err != nil {
		return err
	}

	data, err := realm.Data(ctx)
	if err != nil {
		return &WardenError{Kind: WardenErrDestroyFail, Message: err.Error()}
	}
	if data.State != Halted {
		return &WardenError{Kind: WardenErrDestroyFail, Message: "Can't destroy realm that isn't stopped."}
	}

	if err := realm.Destroy(); err != nil {
		return &WardenError{Kind: WardenErrDestroyFail, Message: err.Error()}
	}

	w.mu.Lock()
	delete(w.realms, id)
	w.mu.Unlock()
	return nil
}

// ListRealms returns a snapshot description of every realm.
func (w *Warden) ListRealms(ctx context.Context) ([]RealmDescription, error) {
	w.mu.Lock()
	realms := make([]*Realm, 0, len(w.realms))
	for _, realm := range w.realms {
		realms = append(realms, realm)
	}
	w.mu.Unlock()

	descs := make([]RealmDescription, 0, len(realms))
	for _, realm := range realms {
		data, err := realm.Data(ctx)
		if err != nil {
			return nil, err
		}
		descs = append(descs, RealmDescription{UUID: realm.UUID(), RealmData: data})
	}
	return descs, nil
}

// InspectRealm returns one realm's snapshot description.
func (w *Warden) InspectRealm(ctx context.Context, id uuid.UUID) (RealmDescription, error) {
	realm, err := w.lookup(id)
	if err != nil {
		return RealmDescription{}, err
	}
	data, err := realm.Data(ctx)
	if err != nil {
		return RealmDescription{}, &WardenError{Kind: WardenErrRealmInspect, Message: err.Error()}
	}
	return RealmDescription{UUID: id, RealmData: data}, nil
}

// GetRealm returns a handle to an existing realm for realm-scoped
// operations (start/stop/reboot/create_application/...).
func (w *Warden) GetRealm(id uuid.UUID) (*Realm, error) {
	return w.lookup(id)
}

func (w *Warden) lookup(id uuid.UUID) (*Realm, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	realm, ok := w.realms[id]
	if !ok {
		return nil, &WardenError{Kind: WardenErrNoSuchRealm, RealmID: id}
	}
	return realm, nil
}
