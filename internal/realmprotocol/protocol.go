// Package realmprotocol defines the request/response wire types exchanged
// between the warden and a realm agent over the vsock control channel
// (see internal/transport for the framing, internal/warden for the host
// side, internal/realmagent for the guest side).
package realmprotocol

import "github.com/google/uuid"

// ApplicationInfo describes one application within a provisioning manifest.
type ApplicationInfo struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	ImageRegistry string    `json:"image_registry"`
	ImagePartUUID uuid.UUID `json:"image_part_uuid"`
	DataPartUUID  uuid.UUID `json:"data_part_uuid"`
}

// RequestKind discriminates the Request union.
type RequestKind string

const (
	RequestProvisionInfo RequestKind = "ProvisionInfo"
	RequestGetIfAddrs    RequestKind = "GetIfAddrs"
	RequestCheckStatus   RequestKind = "CheckStatus"
	RequestStartApp      RequestKind = "StartApp"
	RequestStopApp       RequestKind = "StopApp"
	RequestKillApp       RequestKind = "KillApp"
	RequestReboot        RequestKind = "Reboot"
	RequestShutdown      RequestKind = "Shutdown"
)

// Request is a tagged union over RequestKind. Exactly one of the payload
// fields is populated, selected by Kind — the same rendering the teacher
// uses for its JSON-RPC params (internal/harness/rpc.go), adapted here to a
// single self-describing envelope instead of a method-name dispatch table.
type Request struct {
	Kind RequestKind `json:"kind"`

	Applications []ApplicationInfo `json:"applications,omitempty"` // ProvisionInfo
	AppID        uuid.UUID         `json:"app_id,omitempty"`       // CheckStatus, StartApp, StopApp, KillApp
}

func ProvisionInfo(apps []ApplicationInfo) Request {
	return Request{Kind: RequestProvisionInfo, Applications: apps}
}
func GetIfAddrs() Request               { return Request{Kind: RequestGetIfAddrs} }
func CheckStatus(id uuid.UUID) Request  { return Request{Kind: RequestCheckStatus, AppID: id} }
func StartApp(id uuid.UUID) Request     { return Request{Kind: RequestStartApp, AppID: id} }
func StopApp(id uuid.UUID) Request      { return Request{Kind: RequestStopApp, AppID: id} }
func KillApp(id uuid.UUID) Request      { return Request{Kind: RequestKillApp, AppID: id} }
func Reboot() Request                   { return Request{Kind: RequestReboot} }
func Shutdown() Request                 { return Request{Kind: RequestShutdown} }

// NetAddr is one address observed on a guest network interface.
type NetAddr struct {
	Address     string  `json:"address"`
	Netmask     *string `json:"netmask,omitempty"`
	Destination *string `json:"destination,omitempty"`
}

// ResponseKind discriminates the Response union.
type ResponseKind string

const (
	ResponseApplicationExited      ResponseKind = "ApplicationExited"
	ResponseApplicationIsRunning   ResponseKind = "ApplicationIsRunning"
	ResponseApplicationNotStarted  ResponseKind = "ApplicationNotStarted"
	ResponseIfAddrs                ResponseKind = "IfAddrs"
	ResponseSuccess                ResponseKind = "Success"
	ResponseError                  ResponseKind = "Error"
)

// Response is a tagged union over ResponseKind.
type Response struct {
	Kind ResponseKind `json:"kind"`

	ExitCode int                `json:"exit_code,omitempty"`  // ApplicationExited
	IfAddrs  map[string]NetAddr `json:"if_addrs,omitempty"`   // IfAddrs
	Err      *ProtocolError     `json:"error,omitempty"`      // Error
}

func ApplicationExited(code int) Response { return Response{Kind: ResponseApplicationExited, ExitCode: code} }
func ApplicationIsRunning() Response      { return Response{Kind: ResponseApplicationIsRunning} }
func ApplicationNotStarted() Response     { return Response{Kind: ResponseApplicationNotStarted} }
func IfAddrs(m map[string]NetAddr) Response {
	return Response{Kind: ResponseIfAddrs, IfAddrs: m}
}
func Success() Response { return Response{Kind: ResponseSuccess} }
func Err(e ProtocolError) Response { return Response{Kind: ResponseError, Err: &e} }

// ProtocolErrorKind enumerates the agent-protocol error taxonomy (base spec
// §4.8.1), carried as a typed value on the wire rather than a bare string —
// grounded on original_source/protocol/warden_realm/src/error.rs.
type ProtocolErrorKind string

const (
	ErrProvisionInfoNotReceived    ProtocolErrorKind = "ProvisionInfoNotReceived"
	ErrApplicationsAlreadyProvisioned ProtocolErrorKind = "ApplicationsAlreadyProvisioned"
	ErrApplicationNotFound         ProtocolErrorKind = "ApplicationNotFound"
	ErrApplicationLaunchFailed     ProtocolErrorKind = "ApplicationLaunchFailed"
	ErrApplicationStopFailed       ProtocolErrorKind = "ApplicationStopFailed"
	ErrApplicationKillFailed       ProtocolErrorKind = "ApplicationKillFailed"
	ErrApplicationWaitFailed       ProtocolErrorKind = "ApplicationWaitFailed"
	ErrRebootActionFailed          ProtocolErrorKind = "RebootActionFailed"
)

// ProtocolError is the payload of a Response{Kind: ResponseError}.
type ProtocolError struct {
	Kind    ProtocolErrorKind `json:"kind"`
	Message string            `json:"message,omitempty"`
}

func (e ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func NewProtocolError(kind ProtocolErrorKind, msg string) ProtocolError {
	return ProtocolError{Kind: kind, Message: msg}
}
