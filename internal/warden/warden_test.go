package warden

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/fsrepo"
	"github.com/xfeldman/warden/internal/vmm"
)

func newTestWarden(t *testing.T) (*Warden, *fakeTapManager) {
	t.Helper()
	tap := newFakeTapManager()
	w := New(Config{WorkDir: t.TempDir(), BinPaths: map[vmm.Kind]string{vmm.Qemu: "fake-bin", vmm.Lkvm: "fake-bin"}, ConnectWaitTime: time.Second}, &fakeRendezvous{}, tap)
	return w, tap
}

func TestCreateRealmPersistsConfigAndCreatesTap(t *testing.T) {
	w, tap := newTestWarden(t)

	id, err := w.CreateRealm(vmm.RealmConfig{Network: vmm.NetworkConfig{TapDevice: "tap0"}})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	if tap.created[id.String()] != "tap0" {
		t.Fatalf("expected tap0 recorded for realm %s, got %+v", id, tap.created)
	}

	if _, err := fsrepo.Load[vmm.RealmConfig](filepath.Join(w.cfg.WorkDir, id.String(), configFileName)); err != nil {
		t.Fatalf("expected a persisted realm config: %v", err)
	}
}

func TestDestroyRealmRequiresHalted(t *testing.T) {
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
}

func TestDestroyRealmRemovesItFromTheCollection(t *testing.T) {
	w, _ := newTestWarden(t)
	id, err := w.CreateRealm(vmm.RealmConfig{})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}

	if err := w.DestroyRealm(context.Background(), id); err != nil {
		t.Fatalf("DestroyRealm: %v", err)
	}
	if _, err := w.GetRealm(id); err == nil {
		t.Fatalf("expected the realm to be gone after destroy")
	}
}

func TestGetRealmNoSuchRealm(t *testing.T) {
	w, _ := newTestWarden(t)
	id := uuid.New()

	_, err := w.GetRealm(id)
	var wardenErr *WardenError
	if !errors.As(err, &wardenErr) || wardenErr.Kind != WardenErrNoSuchRealm {
		t.Fatalf("got %v, want NoSuchRealm", err)
	}
}

func TestListRealmsReturnsEveryRealm(t *testing.T) {
	w, _ := newTestWarden(t)
	first, _ := w.CreateRealm(vmm.RealmConfig{})
	second, _ := w.CreateRealm(vmm.RealmConfig{})

	descs, err := w.ListRealms(context.Background())
	if err != nil {
		t.Fatalf("ListRealms: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d realms, want 2", len(descs))
	}
	seen := map[uuid.UUID]bool{}
	for _, d := range descs {
		seen[d.UUID] = true
	}
	if !seen[first] || !seen[second] {
		t.Fatalf("expected both realms listed, got %+v", descs)
	}
}

func TestRecoverReloadsPersistedRealmsAndApplications(t *testing.T) {
	dir := t.TempDir()

	tap := newFakeTapManager()
	w1 := New(Config{WorkDir: dir, BinPaths: map[vmm.Kind]string{vmm.Qemu: "fake-bin", vmm.Lkvm: "fake-bin"}, ConnectWaitTime: time.Second}, &fakeRendezvous{}, tap)

	realmID, err := w1.CreateRealm(vmm.RealmConfig{Network: vmm.NetworkConfig{TapDevice: "tap0"}})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	realm, _ := w1.GetRealm(realmID)
	appID, err := realm.CreateApplication(ApplicationConfig{Name: "svc", ImageStorageSizeMB: 2, DataStorageSizeMB: 2})
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if _, err := fsrepo.New(filepath.Join(dir, realmID.String(), appID.String(), configFileName), ApplicationConfig{Name: "svc"}); err != nil {
		t.Fatalf("persist application config: %v", err)
	}

	w2, err := Recover(Config{WorkDir: dir, BinPaths: map[vmm.Kind]string{vmm.Qemu: "fake-bin", vmm.Lkvm: "fake-bin"}, ConnectWaitTime: time.Second}, &fakeRendezvous{}, newFakeTapManager())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	recovered, err := w2.GetRealm(realmID)
	if err != nil {
		t.Fatalf("GetRealm after recovery: %v", err)
	}
	if recovered.state != Halted {
		t.Fatalf("got state %q, want Halted", recovered.state)
	}
	if _, ok := recovered.applications[appID]; !ok {
		t.Fatalf("expected application %s to be reloaded", appID)
	}
}
