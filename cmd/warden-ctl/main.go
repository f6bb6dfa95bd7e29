// warden-ctl is the command-line client for wardend's control socket
// (base spec §4.6): one subcommand per control command, talking the framed
// JSON protocol directly over a unix socket.
//
// Grounded on _examples/banksean-sand/cmd/sand/main.go's kong-based CLI
// structure (a shared Context injected into every *Cmd.Run, one small
// struct per subcommand) — the teacher has no CLI framework of its own.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/control"
	"github.com/xfeldman/warden/internal/transport"
	"github.com/xfeldman/warden/internal/version"
	"github.com/xfeldman/warden/internal/vmm"
	"github.com/xfeldman/warden/internal/warden"
)

// Context is shared across every subcommand's Run.
type Context struct {
	SocketPath string
}

func (c *Context) send(cmd control.Command) (control.Result, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return control.Result{}, fmt.Errorf("connect to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	framed := transport.New(conn)
	if err := framed.Send(cmd); err != nil {
		return control.Result{}, fmt.Errorf("send command: %w", err)
	}
	var result control.Result
	if err := framed.Recv(&result); err != nil {
		return control.Result{}, fmt.Errorf("read response: %w", err)
	}
	if result.Kind == control.ResError {
		return control.Result{}, fmt.Errorf("%s", result.Err.Error())
	}
	return result, nil
}

type CLI struct {
	SocketPath string           `default:"~/.warden/warden.sock" type:"path" placeholder:"<path>" help:"control socket path"`
	Version    kong.VersionFlag `help:"print warden-ctl's version and exit"`

	CreateRealm       CreateRealmCmd       `cmd:"" help:"create a new realm"`
	StartRealm        StartRealmCmd        `cmd:"" help:"start a realm"`
	StopRealm         StopRealmCmd         `cmd:"" help:"stop a realm"`
	RebootRealm       RebootRealmCmd       `cmd:"" help:"reboot a realm"`
	DestroyRealm      DestroyRealmCmd      `cmd:"" help:"destroy a halted realm"`
	InspectRealm      InspectRealmCmd      `cmd:"" help:"show one realm's state, applications, and network addresses"`
	ListRealms        ListRealmsCmd        `cmd:"" help:"list every realm"`
	CreateApplication CreateApplicationCmd `cmd:"" help:"declare a new application within a realm"`
	StartApplication  StartApplicationCmd  `cmd:"" help:"start an application"`
	StopApplication   StopApplicationCmd   `cmd:"" help:"stop an application"`
	UpdateApplication UpdateApplicationCmd `cmd:"" help:"replace an application's declared config"`
}

type CreateRealmCmd struct {
	VsockCID    uint32 `required:"" help:"guest vsock context ID"`
	TapDevice   string `required:"" help:"tap device name"`
	CoresNumber int    `default:"1" help:"virtual CPU core count"`
	RAMSizeMB   int    `default:"512" help:"guest RAM size in megabytes"`
	KernelPath  string `required:"" help:"path to the guest kernel image"`
	Launcher    string `default:"qemu" enum:"qemu,lkvm" help:"hypervisor launcher: qemu or lkvm"`
}

func (c *CreateRealmCmd) Run(ctx *Context) error {
	launcher := vmm.Qemu
	if c.Launcher == "lkvm" {
		launcher = vmm.Lkvm
	}
	result, err := ctx.send(control.Command{
		Kind: control.CmdCreateRealm,
		RealmConfig: vmm.RealmConfig{
			Launcher: launcher,
			Network:  vmm.NetworkConfig{VsockCID: c.VsockCID, TapDevice: c.TapDevice},
			CPU:      vmm.CPUConfig{CoresNumber: c.CoresNumber},
			Memory:   vmm.MemoryConfig{RAMSizeMB: c.RAMSizeMB},
			Kernel:   vmm.KernelConfig{KernelPath: c.KernelPath},
		},
	})
	if err != nil {
		return err
	}
	fmt.Println(result.RealmID)
	return nil
}

// RealmIDCmd holds the one argument every single-realm command needs; each
// concrete *Cmd type below embeds it and supplies its own control.CommandKind.
type RealmIDCmd struct {
	RealmID uuid.UUID `arg:"" help:"realm UUID"`
}

func (c *RealmIDCmd) run(ctx *Context, kind control.CommandKind) error {
	result, err := ctx.send(control.Command{Kind: kind, RealmID: c.RealmID})
	if err != nil {
		return err
	}
	if result.Kind == control.ResInspectedRealm {
		return printJSON(result.Description)
	}
	fmt.Println("ok")
	return nil
}

type StartRealmCmd struct{ RealmIDCmd }

func (c *StartRealmCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdStartRealm) }

type StopRealmCmd struct{ RealmIDCmd }

func (c *StopRealmCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdStopRealm) }

type RebootRealmCmd struct{ RealmIDCmd }

func (c *RebootRealmCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdRebootRealm) }

type DestroyRealmCmd struct{ RealmIDCmd }

func (c *DestroyRealmCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdDestroyRealm) }

type InspectRealmCmd struct{ RealmIDCmd }

func (c *InspectRealmCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdInspectRealm) }

type ListRealmsCmd struct{}

func (c *ListRealmsCmd) Run(ctx *Context) error {
	result, err := ctx.send(control.Command{Kind: control.CmdListRealms})
	if err != nil {
		return err
	}
	return printJSON(result.Realms)
}

type CreateApplicationCmd struct {
	RealmID            uuid.UUID `arg:"" help:"realm UUID"`
	Name               string    `required:"" help:"application name"`
	Version            string    `default:"" help:"application version"`
	ImageRegistry      string    `required:"" help:"OCI image registry URL"`
	ImageStorageSizeMB uint64    `default:"128" help:"application image partition size in megabytes"`
	DataStorageSizeMB  uint64    `default:"128" help:"application data partition size in megabytes"`
}

func (c *CreateApplicationCmd) Run(ctx *Context) error {
	result, err := ctx.send(control.Command{
		Kind:    control.CmdCreateApplication,
		RealmID: c.RealmID,
		AppConfig: warden.ApplicationConfig{
			Name:               c.Name,
			Version:            c.Version,
			ImageRegistry:      c.ImageRegistry,
			ImageStorageSizeMB: c.ImageStorageSizeMB,
			DataStorageSizeMB:  c.DataStorageSizeMB,
		},
	})
	if err != nil {
		return err
	}
	fmt.Println(result.AppID)
	return nil
}

// AppIDCmd holds the realm+application arguments every single-application
// command needs; each concrete *Cmd type below embeds it and supplies its
// own control.CommandKind.
type AppIDCmd struct {
	RealmID uuid.UUID `arg:"" help:"realm UUID"`
	AppID   uuid.UUID `arg:"" help:"application UUID"`
}

func (c *AppIDCmd) run(ctx *Context, kind control.CommandKind) error {
	_, err := ctx.send(control.Command{Kind: kind, RealmID: c.RealmID, AppID: c.AppID})
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

type StartApplicationCmd struct{ AppIDCmd }

func (c *StartApplicationCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdStartApplication) }

type StopApplicationCmd struct{ AppIDCmd }

func (c *StopApplicationCmd) Run(ctx *Context) error { return c.run(ctx, control.CmdStopApplication) }

type UpdateApplicationCmd struct {
	RealmID            uuid.UUID `arg:"" help:"realm UUID"`
	AppID              uuid.UUID `arg:"" help:"application UUID"`
	Name               string    `required:"" help:"application name"`
	Version            string    `default:"" help:"application version"`
	ImageRegistry      string    `required:"" help:"OCI image registry URL"`
	ImageStorageSizeMB uint64    `default:"128" help:"application image partition size in megabytes"`
	DataStorageSizeMB  uint64    `default:"128" help:"application data partition size in megabytes"`
}

func (c *UpdateApplicationCmd) Run(ctx *Context) error {
	_, err := ctx.send(control.Command{
		Kind:    control.CmdUpdateApplication,
		RealmID: c.RealmID,
		AppID:   c.AppID,
		AppConfig: warden.ApplicationConfig{
			Name:               c.Name,
			Version:            c.Version,
			ImageRegistry:      c.ImageRegistry,
			ImageStorageSizeMB: c.ImageStorageSizeMB,
			DataStorageSizeMB:  c.DataStorageSizeMB,
		},
	})
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Description("Control client for the warden realm orchestration daemon."),
		kong.Vars{"version": version.Version()},
	)

	c := &Context{SocketPath: cli.SocketPath}
	err := kctx.Run(c)
	kctx.FatalIfErrorf(err)
}
