// Package control implements the host-facing control socket of base spec
// §4.6: a filesystem-local stream listener whose per-connection loop reads
// framed commands and dispatches each into the warden under a single lock.
//
// Grounded on _examples/xfeldman-aegisvm/internal/api/server.go for the
// constructor/Start/Stop wiring shape (NOT its HTTP routing, which this
// protocol's discriminated-union command set doesn't use) and
// _examples/xfeldman-aegisvm/internal/harness/rpc.go's handleConnection for
// the per-connection read-dispatch-write loop.
package control

import (
	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/vmm"
	"github.com/xfeldman/warden/internal/warden"
)

// CommandKind discriminates the Command union of base spec §4.6.
type CommandKind string

const (
	CmdCreateRealm       CommandKind = "CreateRealm"
	CmdStartRealm        CommandKind = "StartRealm"
	CmdStopRealm         CommandKind = "StopRealm"
	CmdRebootRealm       CommandKind = "RebootRealm"
	CmdDestroyRealm      CommandKind = "DestroyRealm"
	CmdInspectRealm      CommandKind = "InspectRealm"
	CmdListRealms        CommandKind = "ListRealms"
	CmdCreateApplication CommandKind = "CreateApplication"
	CmdStartApplication  CommandKind = "StartApplication"
	CmdStopApplication   CommandKind = "StopApplication"
	CmdUpdateApplication CommandKind = "UpdateApplication"
)

// Command is a tagged union over CommandKind; exactly one payload subset is
// populated, selected by Kind.
type Command struct {
	Kind CommandKind `json:"kind"`

	RealmID uuid.UUID `json:"realm_id,omitempty"`
	AppID   uuid.UUID `json:"app_id,omitempty"`

	RealmConfig vmm.RealmConfig          `json:"realm_config,omitempty"` // CreateRealm
	AppConfig   warden.ApplicationConfig `json:"app_config,omitempty"`   // CreateApplication, UpdateApplication
}

// ResultKind discriminates the Result union.
type ResultKind string

const (
	ResOk                 ResultKind = "Ok"
	ResCreatedRealm       ResultKind = "CreatedRealm"
	ResCreatedApplication ResultKind = "CreatedApplication"
	ResInspectedRealm     ResultKind = "InspectedRealm"
	ResListedRealms       ResultKind = "ListedRealms"
	ResError              ResultKind = "Error"
)

// Result is a tagged union over ResultKind, the response to exactly one
// Command.
type Result struct {
	Kind ResultKind `json:"kind"`

	RealmID     uuid.UUID                `json:"realm_id,omitempty"`    // CreatedRealm
	AppID       uuid.UUID                `json:"app_id,omitempty"`      // CreatedApplication
	Description *warden.RealmDescription `json:"description,omitempty"` // InspectedRealm
	Realms      []warden.RealmDescription `json:"realms,omitempty"`      // ListedRealms
	Err         *Error                   `json:"error,omitempty"`       // Error
}

func Ok() Result                            { return Result{Kind: ResOk} }
func CreatedRealm(id uuid.UUID) Result      { return Result{Kind: ResCreatedRealm, RealmID: id} }
func CreatedApplication(id uuid.UUID) Result {
	return Result{Kind: ResCreatedApplication, AppID: id}
}
func InspectedRealm(d warden.RealmDescription) Result {
	return Result{Kind: ResInspectedRealm, Description: &d}
}
func ListedRealms(ds []warden.RealmDescription) Result {
	return Result{Kind: ResListedRealms, Realms: ds}
}
func ErrResult(kind ErrorKind, message string) Result {
	return Result{Kind: ResError, Err: &Error{Kind: kind, Message: message}}
}

// ErrorKind enumerates the control-protocol error taxonomy: the two
// transport-level failures §4.6 names explicitly (ReadingRequestFail,
// UnknownCommand), plus a catch-all carrying a realm/warden/application
// operation's own typed error rendered as a string.
type ErrorKind string

const (
	ErrReadingRequestFail ErrorKind = "ReadingRequestFail"
	ErrUnknownCommand     ErrorKind = "UnknownCommand"
	ErrOperationFailed    ErrorKind = "OperationFailed"
)

// Error is the payload of a Result{Kind: Error}.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}
