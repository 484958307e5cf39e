// Package session implements sprot's L3: message framing over the
// Protocol byte-packet API. A Session transparently splits messages larger
// than the connection's MTU into a multipart-tagged sequence of frame-sized
// writes, and reassembles them on read (spec §4.4).
package session

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/protocol"
	"github.com/sprotocol/sprot/sperrors"
)

// multipartMagic is the 13-byte literal prefixing a fragmented message's
// first frame, followed by an 8-byte little-endian total length (spec §4.4,
// fixed from the original's platform-dependent size_t per spec §9).
var multipartMagic = []byte{0x12, 0xF3, 'm', 'u', 'l', 't', 'i', 'p', 'a', 'r', 't', 0x3F, 0x21}

const (
	multipartMagicLen = len(multipartMagic)
	lengthFieldSize   = 8
	multipartHeaderLen = multipartMagicLen + lengthFieldSize
)

// Config is the pair a caller gets back from GetConfig: the local
// configuration mapping a session was opened with, and the peer address
// learned at handshake time.
type Config struct {
	Local  map[string]string
	Remote address.Address
}

// Session wraps a protocol.Conn with message-boundary framing. Sessions are
// owned by the caller; the shared (Transport, Router) beneath the Conn is
// owned by the session manager that constructed this Session (spec §4.5).
type Session struct {
	conn        *protocol.Conn
	opts        frame.Options
	localConfig map[string]string
}

// New wraps an already-connected protocol.Conn as a Session.
func New(conn *protocol.Conn, opts frame.Options, localConfig map[string]string) *Session {
	return &Session{conn: conn, opts: opts, localConfig: localConfig}
}

// Write sends buf, transparently fragmenting it across multiple Protocol
// frames if it exceeds the connection's MTU (spec §4.4).
func (s *Session) Write(buf []byte, timeout time.Duration) (int, error) {
	mtu := s.opts.MTU()
	if len(buf) <= mtu {
		return s.conn.Write(buf, timeout)
	}

	fragments := ceilDiv(len(buf), mtu)
	perFragment := timeout / time.Duration(fragments+2)

	header := make([]byte, multipartHeaderLen)
	copy(header, multipartMagic)
	binary.LittleEndian.PutUint64(header[multipartMagicLen:], uint64(len(buf)))
	if _, err := s.conn.Write(header, perFragment); err != nil {
		return 0, err
	}

	written := 0
	for written < len(buf) {
		end := written + mtu
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := s.conn.Write(buf[written:end], perFragment); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Read receives one message, reassembling it first if its leading frame
// carries the multipart marker (spec §4.4). If buf is too small to hold a
// multipart message, it returns *sperrors.BufferOverflow carrying the
// required size so the caller can resize and retry.
func (s *Session) Read(buf []byte, timeout time.Duration) (int, error) {
	deadline := sperrors.NewDeadline(timeout)

	scratch := make([]byte, s.opts.MTU())
	n, err := s.conn.Read(scratch, deadline.Remaining())
	if err != nil {
		return 0, err
	}

	if n >= multipartHeaderLen && bytes.Equal(scratch[:multipartMagicLen], multipartMagic) {
		total := binary.LittleEndian.Uint64(scratch[multipartMagicLen:multipartHeaderLen])
		if uint64(len(buf)) < total {
			return 0, &sperrors.BufferOverflow{Required: int(total)}
		}
		return s.readMultipart(buf, int(total), deadline)
	}

	if len(buf) < n {
		return 0, &sperrors.BufferOverflow{Required: n}
	}
	return copy(buf, scratch[:n]), nil
}

func (s *Session) readMultipart(buf []byte, total int, deadline sperrors.Deadline) (int, error) {
	mtu := s.opts.MTU()
	fragments := ceilDiv(total, mtu)
	perFragment := deadline.Remaining() / time.Duration(fragments+2)

	fragScratch := make([]byte, mtu)
	got := 0
	for got < total {
		n, err := s.conn.Read(fragScratch, perFragment)
		if err != nil {
			return got, err
		}
		remaining := total - got
		if n > remaining {
			n = remaining
		}
		copy(buf[got:got+n], fragScratch[:n])
		got += n
	}
	return got, nil
}

// GetConfig returns the local configuration mapping and the peer address
// learned at handshake time.
func (s *Session) GetConfig() Config {
	return Config{Local: s.localConfig, Remote: s.conn.Remote()}
}

// Disconnect marks the underlying connection closed. Per spec §4.4/§6 this
// is best-effort: a Goodbye frame is attempted but its outcome is not
// surfaced to the caller.
func (s *Session) Disconnect() error {
	return s.conn.Close()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
