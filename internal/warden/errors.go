package warden

import (
	"fmt"

	"github.com/google/uuid"
)

// RealmErrorKind enumerates the realm-level error taxonomy, carried as a
// typed value rather than a bare string so callers (the control server) can
// render a stable Kind on the wire, matching
// original_source/warden/warden_daemon/src/managers/realm.rs's RealmError.
type RealmErrorKind string

const (
	RealmErrApplicationMissing     RealmErrorKind = "ApplicationMissing"
	RealmErrRealmStartFail         RealmErrorKind = "RealmStartFail"
	RealmErrRealmStopFail          RealmErrorKind = "RealmStopFail"
	RealmErrAcquireIPsFail         RealmErrorKind = "RealmAcuireIpsFail"
	RealmErrUnsupportedAction      RealmErrorKind = "UnsupportedAction"
	RealmErrRealmLaunchFail        RealmErrorKind = "RealmLaunchFail"
	RealmErrVmStopFail             RealmErrorKind = "VmStopFail"
	RealmErrVmDestroyFail          RealmErrorKind = "VmDestroyFail"
	RealmErrApplicationOperation   RealmErrorKind = "ApplicationOperation"
	RealmErrApplicationCreateFail  RealmErrorKind = "ApplicationCreationFail"
	RealmErrPrepareApplications    RealmErrorKind = "PrepareApplications"
)

// RealmError is a realm operation's typed failure.
type RealmError struct {
	Kind    RealmErrorKind
	AppID   uuid.UUID // populated only for ApplicationMissing
	Message string
}

func (e *RealmError) Error() string {
	if e.Kind == RealmErrApplicationMissing {
		return fmt.Sprintf("no application with uuid: %s inside this realm", e.AppID)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WardenErrorKind enumerates the realm-collection-level error taxonomy,
// matching original_source/warden/warden_daemon/src/managers/warden.rs's
// WardenError.
type WardenErrorKind string

const (
	WardenErrNoSuchRealm       WardenErrorKind = "NoSuchRealm"
	WardenErrRealmInspect      WardenErrorKind = "RealmInspect"
	WardenErrDestroyFail       WardenErrorKind = "DestroyFail"
	WardenErrRealmCreationFail WardenErrorKind = "RealmCreationFail"
)

// WardenError is a Warden operation's typed failure.
type WardenError struct {
	Kind    WardenErrorKind
	RealmID uuid.UUID
	Message string
}

func (e *WardenError) Error() string {
	switch e.Kind {
	case WardenErrNoSuchRealm:
		return fmt.Sprintf("realm with uuid: '%s' doesn't exist", e.RealmID)
	default:
		if e.Message == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// ApplicationErrorKind enumerates the per-application error taxonomy,
// matching warden_daemon's ApplicationManager error mapping (disk
// operations proxy diskmgr's own errors; start/stop proxy the realm agent's
// protocol errors).
type ApplicationErrorKind string

const (
	AppErrDiskOperation ApplicationErrorKind = "DiskOperation"
	AppErrStartFailed   ApplicationErrorKind = "ApplicationStartFail"
	AppErrStopFailed    ApplicationErrorKind = "ApplicationStopFail"
)

// ApplicationError is an application operation's typed failure.
type ApplicationError struct {
	Kind    ApplicationErrorKind
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
