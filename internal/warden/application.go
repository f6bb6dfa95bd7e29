package warden

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/diskmgr"
	"github.com/xfeldman/warden/internal/realmprotocol"
)

// ApplicationConfig is an application's declared shape, matching
// warden_client::application::ApplicationConfig.
type ApplicationConfig struct {
	Name               string
	Version            string
	ImageRegistry      string
	ImageStorageSizeMB uint64
	DataStorageSizeMB  uint64
}

// ApplicationData is a snapshot of an application's config plus its
// persisted partition GUIDs, matching
// original_source/warden/warden_daemon/src/managers/application.rs's
// ApplicationData.
type ApplicationData struct {
	ID                 uuid.UUID
	Config             ApplicationConfig
	ImagePartitionUUID uuid.UUID
	DataPartitionUUID  uuid.UUID
}

// Application is one realm's declared application: its config, its disk
// manager, and a proxy for the start/stop operations the realm agent
// actually executes over the realm's shared control connection — matching
// ApplicationManager.
type Application struct {
	id      uuid.UUID
	disk    *diskmgr.Manager
	control *controlHandle

	mu      sync.Mutex
	cfg     ApplicationConfig
	imageID uuid.UUID
	dataID  uuid.UUID
}

func newApplication(id uuid.UUID, cfg ApplicationConfig, workdir string, control *controlHandle) *Application {
	return &Application{
		id:      id,
		cfg:     cfg,
		disk:    diskmgr.New(workdir),
		control: control,
	}
}

// configureDisk materialises or resizes the application's backing disk to
// match its current config, just-in-time before the owning realm starts —
// matching ApplicationManager::configure_disk's thin proxy to the disk
// manager.
func (a *Application) configureDisk() error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	guids, err := a.disk.Ensure(cfg.ImageStorageSizeMB, cfg.DataStorageSizeMB)
	if err != nil {
		return &ApplicationError{Kind: AppErrDiskOperation, Message: err.Error()}
	}

	a.mu.Lock()
	a.imageID, a.dataID = guids.Image, guids.Data
	a.mu.Unlock()
	return nil
}

// Start proxies application start to the realm agent.
func (a *Application) Start(ctx context.Context) error {
	if _, err := a.control.call(ctx, realmprotocol.StartApp(a.id), false); err != nil {
		return &ApplicationError{Kind: AppErrStartFailed, Message: err.Error()}
	}
	return nil
}

// Stop proxies application stop to the realm agent.
func (a *Application) Stop(ctx context.Context) error {
	if _, err := a.control.call(ctx, realmprotocol.StopApp(a.id), false); err != nil {
		return &ApplicationError{Kind: AppErrStopFailed, Message: err.Error()}
	}
	return nil
}

// UpdateConfig replaces the application's declared config. The new disk
// sizes (if any) take effect on the realm's next start, via configureDisk;
// this never touches the disk directly.
func (a *Application) UpdateConfig(cfg ApplicationConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Data returns a snapshot of the application's config and partition GUIDs.
// The GUIDs are the zero UUID until configureDisk has run at least once.
func (a *Application) Data() ApplicationData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ApplicationData{
		ID:                 a.id,
		Config:             a.cfg,
		ImagePartitionUUID: a.imageID,
		DataPartitionUUID:  a.dataID,
	}
}

// info renders the application as its provisioning-manifest entry.
func (a *Application) info() realmprotocol.ApplicationInfo {
	d := a.Data()
	return realmprotocol.ApplicationInfo{
		ID:            d.ID,
		Name:          d.Config.Name,
		Version:       d.Config.Version,
		ImageRegistry: d.Config.ImageRegistry,
		ImagePartUUID: d.ImagePartitionUUID,
		DataPartUUID:  d.DataPartitionUUID,
	}
}
