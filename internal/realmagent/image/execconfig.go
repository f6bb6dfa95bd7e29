package image

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// ExecConfig is what base spec §4.7 step 8 hands to the per-application
// supervisor (§4.8.3): the resolved entrypoint, its environment, the
// uid/gid to run as, and the chroot/chdir the supervisor execs it under.
type ExecConfig struct {
	Exec   string
	Argv   []string
	Envp   []string
	UID    uint32
	GID    uint32
	Chroot string // set by the caller once the overlay is composed (internal/overlayfs)
	Chdir  string
}

// BuildExecConfig derives an ExecConfig from an OCI runtime config, matching
// original_source/realm/app-manager/src/launcher/oci.rs's
// TryFrom<&RuntimeConfig> for ExecConfig.
func BuildExecConfig(cfg v1.Config) (ExecConfig, error) {
	argv := append(append([]string{}, cfg.Entrypoint...), cfg.Cmd...)
	if len(argv) == 0 {
		return ExecConfig{}, fmt.Errorf("image: entrypoint and cmd are both empty")
	}

	uid, gid, err := resolveUserGroup(cfg.User)
	if err != nil {
		return ExecConfig{}, err
	}

	return ExecConfig{
		Exec:  argv[0],
		Argv:  argv,
		Envp:  cfg.Env,
		UID:   uid,
		GID:   gid,
		Chdir: cfg.WorkingDir,
	}, nil
}

// resolveUserGroup parses an OCI "user" field, either "uid[:gid]" or
// "name[:group]", defaulting the group to 0 when only a user is given and
// to root (0:0) when the field is empty.
func resolveUserGroup(spec string) (uid, gid uint32, err error) {
	if spec == "" {
		return 0, 0, nil
	}

	userPart, groupPart, hasGroup := strings.Cut(spec, ":")

	uid, err = lookupUID(userPart)
	if err != nil {
		return 0, 0, err
	}
	if hasGroup {
		gid, err = lookupGID(groupPart)
		return uid, gid, err
	}
	return uid, 0, nil
}

func lookupUID(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, fmt.Errorf("image: resolve user %q: %w", s, err)
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("image: parse uid for %q: %w", s, err)
	}
	return uint32(n), nil
}

func lookupGID(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, fmt.Errorf("image: resolve group %q: %w", s, err)
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("image: parse gid for %q: %w", s, err)
	}
	return uint32(n), nil
}
