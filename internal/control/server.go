package control

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"

	"github.com/xfeldman/warden/internal/transport"
	"github.com/xfeldman/warden/internal/warden"
)

// Server listens on a filesystem-local stream socket and dispatches framed
// Commands into a Warden, one connection goroutine per client, serialised
// under a single mutex so concurrent clients never race a realm's state
// transitions against each other — base spec §4.6.
type Server struct {
	socketPath string
	warden     *warden.Warden

	mu sync.Mutex

	ln net.Listener
	wg sync.WaitGroup
}

// New returns a Server that will listen on socketPath once Start is called.
func New(socketPath string, w *warden.Warden) *Server {
	return &Server{socketPath: socketPath, warden: w}
}

// Start removes any stale socket file and begins accepting connections in
// the background.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Printf("control: listening on %s", s.socketPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and waits for the accept loop and every
// per-connection goroutine to return. Closing the listener does not close
// connections already accepted, so Stop returns only once each connected
// client has closed its end.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs base spec §4.6's per-connection frame loop: decode
// error keeps the connection open and replies Error{ReadingRequestFail};
// a clean client close ends the task.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	framed := transport.New(conn)

	for {
		var cmd Command
		err := framed.Recv(&cmd)
		if err != nil {
			if errors.Is(err, transport.ErrStreamClosed) {
				return
			}
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				if sendErr := framed.Send(ErrResult(ErrReadingRequestFail, decodeErr.Error())); sendErr != nil {
					return
				}
				continue
			}
			return
		}

		result := s.dispatch(context.Background(), cmd)
		if err := framed.Send(result); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case CmdCreateRealm:
		id, err := s.warden.CreateRealm(cmd.RealmConfig)
		if err != nil {
			return toErrorResult(err)
		}
		return CreatedRealm(id)

	case CmdStartRealm:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := realm.Start(ctx); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdStopRealm:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := realm.Stop(ctx); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdRebootRealm:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := realm.Reboot(ctx); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdDestroyRealm:
		if err := s.warden.DestroyRealm(ctx, cmd.RealmID); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdInspectRealm:
		desc, err := s.warden.InspectRealm(ctx, cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		return InspectedRealm(desc)

	case CmdListRealms:
		descs, err := s.warden.ListRealms(ctx)
		if err != nil {
			return toErrorResult(err)
		}
		return ListedRealms(descs)

	case CmdCreateApplication:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		id, err := realm.CreateApplication(cmd.AppConfig)
		if err != nil {
			return toErrorResult(err)
		}
		return CreatedApplication(id)

	case CmdStartApplication:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		app, err := realm.GetApplication(cmd.AppID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := app.Start(ctx); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdStopApplication:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		app, err := realm.GetApplication(cmd.AppID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := app.Stop(ctx); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	case CmdUpdateApplication:
		realm, err := s.warden.GetRealm(cmd.RealmID)
		if err != nil {
			return toErrorResult(err)
		}
		if err := realm.UpdateApplication(cmd.AppID, cmd.AppConfig); err != nil {
			return toErrorResult(err)
		}
		return Ok()

	default:
		return ErrResult(ErrUnknownCommand, string(cmd.Kind))
	}
}

// toErrorResult renders any of warden's typed errors (RealmError, WardenError,
// ApplicationError) as an Error{OperationFailed, message} — the typed Kind
// stays embedded in the message text, since the control protocol's own
// ErrorKind only distinguishes transport-level failures from everything a
// warden operation can fail with.
func toErrorResult(err error) Result {
	return ErrResult(ErrOperationFailed, err.Error())
}
