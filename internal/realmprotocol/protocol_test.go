package realmprotocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestProvisionInfoRequestCarriesApplications(t *testing.T) {
	id := uuid.New()
	apps := []ApplicationInfo{{ID: id, Name: "svc", Version: "1.0"}}
	req := ProvisionInfo(apps)

	if req.Kind != RequestProvisionInfo {
		t.Fatalf("got kind %q", req.Kind)
	}
	if len(req.Applications) != 1 || req.Applications[0].ID != id {
		t.Fatalf("applications not carried through: %+v", req.Applications)
	}
}

func TestRequestRoundTripsThroughJSON(t *testing.T) {
	id := uuid.New()
	req := StopApp(id)

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Request
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Kind != RequestStopApp || got.AppID != id {
		t.Fatalf("got %+v, want Kind=%q AppID=%s", got, RequestStopApp, id)
	}
}

func TestErrorResponseCarriesKindAndMessage(t *testing.T) {
	resp := Err(NewProtocolError(ErrApplicationNotFound, "no such app"))
	if resp.Kind != ResponseError {
		t.Fatalf("got kind %q", resp.Kind)
	}
	if resp.Err == nil || resp.Err.Kind != ErrApplicationNotFound {
		t.Fatalf("error payload missing or wrong kind: %+v", resp.Err)
	}
}

func TestProtocolErrorMessageFormatting(t *testing.T) {
	bare := NewProtocolError(ErrProvisionInfoNotReceived, "")
	if bare.Error() != "ProvisionInfoNotReceived" {
		t.Fatalf("got %q", bare.Error())
	}

	withMsg := NewProtocolError(ErrApplicationLaunchFailed, "exec: no such file")
	if withMsg.Error() != "ApplicationLaunchFailed: exec: no such file" {
		t.Fatalf("got %q", withMsg.Error())
	}
}

func TestGetIfAddrsRequestCarriesNoPayload(t *testing.T) {
	req := GetIfAddrs()
	if req.Kind != RequestGetIfAddrs {
		t.Fatalf("got kind %q", req.Kind)
	}
	if len(req.Applications) != 0 || req.AppID != uuid.Nil {
		t.Fatalf("expected no payload fields set, got %+v", req)
	}
}

func TestIfAddrsResponseCarriesAddresses(t *testing.T) {
	netmask := "255.255.255.0"
	resp := IfAddrs(map[string]NetAddr{
		"eth0": {Address: "172.20.0.2", Netmask: &netmask},
	})
	if resp.Kind != ResponseIfAddrs {
		t.Fatalf("got kind %q", resp.Kind)
	}
	addr, ok := resp.IfAddrs["eth0"]
	if !ok || addr.Address != "172.20.0.2" || addr.Netmask == nil || *addr.Netmask != netmask {
		t.Fatalf("got %+v", resp.IfAddrs)
	}
}
