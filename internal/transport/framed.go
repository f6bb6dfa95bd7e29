// Package transport implements the length-delimited JSON envelope used by
// both the host control socket and the realm vsock control channel: a
// 4-byte big-endian length prefix followed by that many bytes of JSON.
//
// It carries no request/response correlation of its own — that is the
// protocol layer's job (see internal/control and internal/realmprotocol).
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single decoded frame to guard against a corrupt or
// hostile peer claiming an enormous length prefix.
const maxFrameBytes = 64 << 20

// ErrStreamClosed is returned by Recv when the peer closed the connection
// cleanly with no partial frame pending.
var ErrStreamClosed = errors.New("transport: stream closed")

// DecodeError wraps a failure to unmarshal a complete frame's bytes as JSON,
// or to encode a value for Send. The frame boundary was read successfully;
// only the payload was malformed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("transport: decode: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// IOError wraps any I/O failure other than a clean stream close: a partial
// frame, a broken pipe, a reset connection.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("transport: io: %v", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Framed wraps a bidirectional byte stream with the length-delimited JSON
// codec. It is safe for one concurrent reader and one concurrent writer;
// callers needing multiplexed request/response correlation serialise their
// own writes (see internal/control's per-connection dispatch loop).
type Framed struct {
	rw     io.ReadWriter
	reader *bufio.Reader

	writeMu sync.Mutex
}

// New wraps rw in the framed codec.
func New(rw io.ReadWriter) *Framed {
	return &Framed{rw: rw, reader: bufio.NewReader(rw)}
}

// Send encodes v as JSON and writes it as one length-prefixed frame. It
// fails with a *DecodeError if v cannot be encoded, and with an *IOError
// otherwise.
func (f *Framed) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &DecodeError{Err: err}
	}
	if len(payload) > maxFrameBytes {
		return &IOError{Err: fmt.Errorf("frame of %d bytes exceeds limit", len(payload))}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.rw.Write(header[:]); err != nil {
		return &IOError{Err: err}
	}
	if _, err := f.rw.Write(payload); err != nil {
		return &IOError{Err: err}
	}
	return nil
}

// Recv reads the next frame and decodes it into v. It returns ErrStreamClosed
// if the peer closed cleanly before any byte of a new frame arrived, a
// *DecodeError if the frame's bytes do not parse as v, or an *IOError for
// any other failure (including a peer closing mid-frame).
func (f *Framed) Recv(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(f.reader, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrStreamClosed
		}
		return &IOError{Err: err}
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return &IOError{Err: fmt.Errorf("frame of %d bytes exceeds limit", length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.reader, payload); err != nil {
		// The 4-byte header was already consumed: any failure here is a
		// partial frame, never a clean close.
		return &IOError{Err: err}
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// Close closes the underlying stream if it implements io.Closer.
func (f *Framed) Close() error {
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
