package warden

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/transport"
)

func TestConfigureDiskSetsPartitionGUIDs(t *testing.T) {
	app := newApplication(uuid.New(), ApplicationConfig{ImageStorageSizeMB: 2, DataStorageSizeMB: 2}, t.TempDir(), &controlHandle{})

	if err := app.configureDisk(); err != nil {
		t.Fatalf("configureDisk: %v", err)
	}

	data := app.Data()
	if data.ImagePartitionUUID == uuid.Nil || data.DataPartitionUUID == uuid.Nil {
		t.Fatalf("expected both partition GUIDs to be assigned, got %+v", data)
	}
}

func TestApplicationStartProxiesToAgent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	serverDone := make(chan struct{})
	id := uuid.New()
	go func() {
		defer close(serverDone)
		server := transport.New(b)
		var req realmprotocol.Request
		if err := server.Recv(&req); err != nil {
			t.Errorf("server Recv: %v", err)
			return
		}
		if req.Kind != realmprotocol.RequestStartApp || req.AppID != id {
			t.Errorf("got %+v, want StartApp for %s", req, id)
		}
		server.Send(realmprotocol.Success())
	}()

	handle := &controlHandle{}
	handle.set(newControlConn(transport.New(a)))
	app := newApplication(id, ApplicationConfig{}, t.TempDir(), handle)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-serverDone
}

func TestApplicationStopReturnsTypedErrorOnAgentFailure(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	go func() {
		server := transport.New(b)
		var req realmprotocol.Request
		server.Recv(&req)
		server.Send(realmprotocol.Err(realmprotocol.NewProtocolError(realmprotocol.ErrApplicationNotFound, "no such app")))
	}()

	handle := &controlHandle{}
	handle.set(newControlConn(transport.New(a)))
	app := newApplication(uuid.New(), ApplicationConfig{}, t.TempDir(), handle)

	err := app.Stop(context.Background())
	appErr, ok := err.(*ApplicationError)
	if !ok || appErr.Kind != AppErrStopFailed {
		t.Fatalf("got %v, want ApplicationStopFail", err)
	}
}

func TestUpdateConfigReplacesStoredConfig(t *testing.T) {
	app := newApplication(uuid.New(), ApplicationConfig{Name: "v1"}, t.TempDir(), &controlHandle{})
	app.UpdateConfig(ApplicationConfig{Name: "v2"})

	if got := app.Data().Config.Name; got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}
