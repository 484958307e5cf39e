// Package transport implements sprot's L0: a single bound UDP socket with
// independent read/write paths, socket-buffer tuning, and an optional
// chaos-corruption hook for fault-injection testing (spec §4.1).
package transport

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/sperrors"
)

// socketBufferBytes is the send/receive socket buffer size spec §4.1
// mandates (256 KiB).
const socketBufferBytes = 256 * 1024

// Transport is one bound UDP endpoint. Reads and writes use independent
// mutexes so the router's background reader thread never blocks a caller's
// write on the same endpoint (spec §5 Shared-resource policy).
type Transport struct {
	conn     *net.UDPConn
	local    address.Address
	hostname string
	chaos    int64

	readMu     sync.Mutex
	stageBuf   []byte
	staged     []byte
	stagedPeer address.Address

	writeMu sync.Mutex

	recvCount uint64 // guarded by readMu; counts datagrams for chaos injection
}

// Enable binds a UDP socket per the "ip"/"port"/"hostname"/"chaos"
// configuration keys (spec §6), setting SO_REUSEADDR/SO_REUSEPORT and 256
// KiB socket buffers.
func Enable(config map[string]string) (*Transport, error) {
	local, err := address.FromConfig(config)
	if err != nil {
		return nil, errors.Wrap(sperrors.IncorrectParameter, err.Error())
	}

	chaos := 0
	if v, ok := config["chaos"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(sperrors.IncorrectParameter, "invalid chaos value")
		}
		chaos = n
	}

	lc := net.ListenConfig{Control: setReuseAddrPort}
	pc, err := lc.ListenPacket(context.Background(), "udp4", local.String())
	if err != nil {
		return nil, errors.Wrap(sperrors.ConnectFailed, err.Error())
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.Wrap(sperrors.ConnectFailed, "listen packet did not return a UDP connection")
	}
	if err := conn.SetReadBuffer(socketBufferBytes); err != nil {
		// non-fatal: the OS may cap this, continue with whatever it granted.
		_ = err
	}
	if err := conn.SetWriteBuffer(socketBufferBytes); err != nil {
		_ = err
	}

	// the bound local address may have had port 0 (OS-assigned); re-resolve.
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if resolved, err := address.FromUDPAddr(udpAddr); err == nil {
			local = resolved
		}
	}

	return &Transport{
		conn:     conn,
		local:    local,
		hostname: address.Hostname(config),
		chaos:    int64(chaos),
		stageBuf: make([]byte, socketBufferBytes),
	}, nil
}

// setReuseAddrPort is the net.ListenConfig.Control callback that sets
// SO_REUSEADDR/SO_REUSEPORT before bind, letting multiple sprot endpoints
// share a port the way spec §4.1 allows "where appropriate".
func setReuseAddrPort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	// SO_REUSEPORT isn't available on every kernel/platform; don't fail bind over it.
	_ = sockErr
	return nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() address.Address { return t.local }

// Read blocks at most timeout for a datagram, filling peer with the
// sender's address and returning the number of bytes copied into buf. A
// single oversized datagram is served across multiple short Read calls
// until drained (spec §4.1: "this lets upper layers perform two-stage
// reads... without losing datagram boundaries").
func (t *Transport) Read(buf []byte, peer *address.Address, timeout time.Duration) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if len(t.staged) == 0 {
		if timeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return 0, errors.Wrap(sperrors.ReadFailed, err.Error())
			}
		} else {
			if err := t.conn.SetReadDeadline(time.Now()); err != nil {
				return 0, errors.Wrap(sperrors.ReadFailed, err.Error())
			}
		}

		n, addr, err := t.conn.ReadFromUDP(t.stageBuf)
		if err != nil {
			if isTimeout(err) {
				return 0, errors.Wrap(sperrors.Timeout, "transport read")
			}
			return 0, errors.Wrap(sperrors.ReadFailed, err.Error())
		}

		origin, err := address.FromUDPAddr(addr)
		if err != nil {
			return 0, errors.Wrap(sperrors.ReadFailed, err.Error())
		}

		t.recvCount++
		if t.chaos > 0 && int64(t.recvCount)%t.chaos == 0 && n > 0 {
			pos := rand.Intn(n)
			t.stageBuf[pos] ^= 0xFF
		}

		t.staged = t.stageBuf[:n]
		t.stagedPeer = origin
	}

	n := copy(buf, t.staged)
	t.staged = t.staged[n:]
	*peer = t.stagedPeer
	return n, nil
}

// Write sends one datagram to peer. A non-positive timeout sets a write
// deadline of now, which has already passed when the send starts, so the
// send surfaces Timeout.
func (t *Transport) Write(buf []byte, peer address.Address, timeout time.Duration) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.Wrap(sperrors.WriteFailed, err.Error())
		}
	} else {
		if err := t.conn.SetWriteDeadline(time.Now()); err != nil {
			return 0, errors.Wrap(sperrors.WriteFailed, err.Error())
		}
	}

	n, err := t.conn.WriteToUDP(buf, peer.UDPAddr())
	if err != nil {
		if isTimeout(err) {
			return 0, errors.Wrap(sperrors.Timeout, "transport write")
		}
		return 0, errors.Wrap(sperrors.WriteFailed, err.Error())
	}
	return n, nil
}

// Disable shuts down and closes the socket.
func (t *Transport) Disable() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
