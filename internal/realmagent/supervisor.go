// Package realmagent implements the guest-side counterpart of base spec
// §4.8: a single top-level event loop (Agent) accepting exactly one
// control connection per realm lifetime, and one Supervisor goroutine per
// application owning its child process.
//
// Grounded on _examples/xfeldman-aegisvm/internal/harness/exec.go's
// stdout/stderr-draining goroutine pair and processTracker bookkeeping
// (internal/harness/rpc.go), generalised from "stream logs over JSON-RPC
// notifications" to the per-application request/response channel pair of
// base spec §4.8.3.
package realmagent

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/realmagent/image"
	"github.com/xfeldman/warden/internal/realmprotocol"
)

// supervisorRequestKind discriminates the four actions a Supervisor's
// inner select handles, base spec §4.8.3.
type supervisorRequestKind int

const (
	reqStop supervisorRequestKind = iota
	reqKill
	reqWait
	reqTryWait
)

type supervisorRequest struct {
	kind supervisorRequestKind
}

// supervisorResponse carries either an application-protocol Response or an
// error the Agent should render as a typed ProtocolError.
type supervisorResponse struct {
	response realmprotocol.Response
	err      *realmprotocol.ProtocolError
}

// Supervisor owns one application's child process for its entire
// lifetime. One goroutine runs its inner loop; everything else
// communicates through reqCh/respCh, each of depth 1 per base spec §5's
// backpressure rule ("the top-level loop awaits the response before
// reading the next request") — so at most one request is ever in flight
// against a given Supervisor.
type Supervisor struct {
	AppID uuid.UUID

	cmd    *exec.Cmd
	reqCh  chan supervisorRequest
	respCh chan supervisorResponse
	exited chan struct{}

	mu       sync.Mutex
	exitCode int
}

// StartSupervisor execs cfg's process and returns a Supervisor driving it.
// Stdout/stderr are drained line-by-line and logged; a closed pipe
// disables that branch without failing the supervisor (base spec §4.8.3:
// "stdio drain is best-effort").
func StartSupervisor(appID uuid.UUID, cfg image.ExecConfig) (*Supervisor, error) {
	cmd := exec.Command(cfg.Exec, cfg.Argv[1:]...)
	cmd.Env = cfg.Envp
	if cfg.Chdir != "" {
		cmd.Dir = cfg.Chdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: cfg.UID, Gid: cfg.GID},
	}
	if cfg.Chroot != "" {
		cmd.SysProcAttr.Chroot = cfg.Chroot
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("realmagent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("realmagent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("realmagent: start %s: %w", cfg.Exec, err)
	}

	s := &Supervisor{
		AppID:  appID,
		cmd:    cmd,
		reqCh:  make(chan supervisorRequest, 1),
		respCh: make(chan supervisorResponse, 1),
		exited: make(chan struct{}),
	}

	go drainLines(appID, "stdout", stdout)
	go drainLines(appID, "stderr", stderr)
	go s.run()

	return s, nil
}

func drainLines(appID uuid.UUID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("realmagent: app %s %s: %s", appID, stream, scanner.Text())
	}
}

// run is the supervisor's inner loop: a single goroutine multiplexing
// incoming requests against child exit, matching base spec §4.8.3's
// four-branch select (the two stdio branches live in their own drain
// goroutines above; blocking line-scanning there does not block this
// select).
func (s *Supervisor) run() {
	exitCh := make(chan error, 1)
	go func() { exitCh <- s.cmd.Wait() }()

	// pending is set while a Stop/Kill/Wait request is waiting on the
	// child's exit to be reaped before it can answer; pendingKind records
	// which one, since Stop and Kill answer Success and Wait answers with
	// the exit code.
	var pending bool
	var pendingKind supervisorRequestKind

	for {
		select {
		case req := <-s.reqCh:
			switch req.kind {
			case reqStop:
				if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
					s.respCh <- errResponse(realmprotocol.ErrApplicationStopFailed, err)
					continue
				}
				pending, pendingKind = true, reqStop
			case reqKill:
				if err := s.cmd.Process.Kill(); err != nil {
					s.respCh <- errResponse(realmprotocol.ErrApplicationKillFailed, err)
					continue
				}
				pending, pendingKind = true, reqKill
			case reqWait:
				pending, pendingKind = true, reqWait
			case reqTryWait:
				s.respCh <- okResponse(realmprotocol.ApplicationIsRunning())
			}

		case err := <-exitCh:
			s.recordExit(err)
			close(s.exited)
			if pending {
				if pendingKind == reqWait {
					s.respCh <- okResponse(realmprotocol.ApplicationExited(s.exitCode))
				} else {
					s.respCh <- okResponse(realmprotocol.Success())
				}
			}
			return
		}
	}
}

func (s *Supervisor) recordExit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = exitCodeOf(err)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
		return 1
	}
	return -1
}

func okResponse(r realmprotocol.Response) supervisorResponse { return supervisorResponse{response: r} }
func errResponse(kind realmprotocol.ProtocolErrorKind, err error) supervisorResponse {
	e := realmprotocol.NewProtocolError(kind, err.Error())
	return supervisorResponse{err: &e}
}

// Stop sends SIGTERM and blocks until the child has been reaped. A caller
// that issues Stop then Wait on the same application is guaranteed to see
// the Wait response only after the process has been reaped (base spec
// §4.8.3's ordering guarantee): both requests pass through the same
// single-consumer reqCh/respCh pair, so Wait is never sent until Stop's
// response — which only arrives post-reap — has been received.
func (s *Supervisor) Stop() realmprotocol.Response { return s.request(reqStop) }

// Kill sends SIGKILL and blocks until the child has been reaped.
func (s *Supervisor) Kill() realmprotocol.Response { return s.request(reqKill) }

// Wait blocks until the child has exited and returns its exit code.
func (s *Supervisor) Wait() realmprotocol.Response { return s.request(reqWait) }

// TryWait peeks at the child's status without blocking.
func (s *Supervisor) TryWait() realmprotocol.Response { return s.request(reqTryWait) }

func (s *Supervisor) request(kind supervisorRequestKind) realmprotocol.Response {
	select {
	case <-s.exited:
		s.mu.Lock()
		code := s.exitCode
		s.mu.Unlock()
		return realmprotocol.ApplicationExited(code)
	default:
	}

	s.reqCh <- supervisorRequest{kind: kind}
	resp := <-s.respCh
	if resp.err != nil {
		return realmprotocol.Err(*resp.err)
	}
	return resp.response
}

// Terminate force-kills any still-running child and waits for it to be
// reaped, base spec §4.8.3's "on supervisor exit, any still-running child
// is force-killed and reaped". Called by the Agent when it shuts down
// while applications are still running.
func (s *Supervisor) Terminate() {
	select {
	case <-s.exited:
		return
	default:
	}
	s.cmd.Process.Kill()
	<-s.exited
}
