package warden

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/transport"
)

// controlConn is one realm agent control connection: a single
// request-in-flight round trip over a *transport.Framed, honouring a
// caller-supplied deadline. The protocol is strictly one outstanding
// request at a time (base spec §4.8), so unlike the teacher's
// internal/harness/rpc.go there is no response-id correlation to manage —
// only the same "read in a goroutine, select against a timeout" shape.
type controlConn struct {
	framed *transport.Framed
}

func newControlConn(f *transport.Framed) *controlConn {
	return &controlConn{framed: f}
}

// call sends req and waits for the matching Response. When expectClose is
// true, the peer closing the stream cleanly (no Response received) is
// success rather than failure — base spec §4.5.4's "Send Shutdown request;
// expect the stream to close (peer-disconnect is success)".
func (c *controlConn) call(ctx context.Context, req realmprotocol.Request, expectClose bool) (realmprotocol.Response, error) {
	if err := c.framed.Send(req); err != nil {
		return realmprotocol.Response{}, fmt.Errorf("send %s: %w", req.Kind, err)
	}

	type result struct {
		resp realmprotocol.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var resp realmprotocol.Response
		err := c.framed.Recv(&resp)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if expectClose && errors.Is(r.err, transport.ErrStreamClosed) {
				return realmprotocol.Success(), nil
			}
			return realmprotocol.Response{}, fmt.Errorf("receive response to %s: %w", req.Kind, r.err)
		}
		if r.resp.Kind == realmprotocol.ResponseError {
			return realmprotocol.Response{}, r.resp.Err
		}
		return r.resp, nil
	case <-ctx.Done():
		return realmprotocol.Response{}, ctx.Err()
	}
}

// controlHandle is the shared, swappable control connection handed to both
// a Realm and every one of its Applications, so that a fresh connection
// established across a reboot becomes visible to proxied application
// operations without re-wiring each one — the Go counterpart of
// realm_client_handler's Arc<Mutex<Box<dyn RealmClient>>> sharing in
// original_source/warden/warden_daemon/src/managers/realm_manager.rs.
type controlHandle struct {
	mu   sync.Mutex
	conn *controlConn
}

func (h *controlHandle) set(c *controlConn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *controlHandle) call(ctx context.Context, req realmprotocol.Request, expectClose bool) (realmprotocol.Response, error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return realmprotocol.Response{}, fmt.Errorf("warden: no active control connection")
	}
	return conn.call(ctx, req, expectClose)
}
