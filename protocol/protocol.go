// Package protocol implements sprot's L2: the per-connection state machine
// layered on top of a shared router.Router. It owns the handshake, the
// sequenced data-transfer retry loops, and the two recovery subroutines that
// repair sequence-space gaps (spec §4.3).
package protocol

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/metrics"
	"github.com/sprotocol/sprot/router"
	"github.com/sprotocol/sprot/sperrors"
)

// Conn is one connection's state machine. It does not own the Router or the
// transport beneath it — those are shared per local endpoint by the session
// manager (spec §9 "re-architect with explicit ownership"); Conn only holds
// the connection-local sequence counters and replay caches. A single mutex
// serializes every operation, matching the original's one lock guarding
// read/write/connect/accept (spec §9 re-architects away the recursive
// variant, but the non-reentrant coarse-grained shape is kept).
type Conn struct {
	router   *router.Router
	opts     frame.Options
	local    address.Address
	hostname string

	mu        sync.Mutex
	remote    address.Address
	connected bool
	acceptor  bool

	sendSeq     uint32
	recvSeq     uint32
	lastRecvSeq uint32

	writes *frameStore
	reads  *frameStore

	recovered []uint32
}

func newConn(r *router.Router, local address.Address, hostname string, remote address.Address, opts frame.Options, acceptor bool) *Conn {
	return &Conn{
		router:   r,
		opts:     opts,
		local:    local,
		hostname: hostname,
		remote:   remote,
		acceptor: acceptor,
		writes:   newFrameStore(opts.StorageMax, opts.StorageTrim),
		reads:    newFrameStore(opts.StorageMax, opts.StorageTrim),
	}
}

// Connect performs the initiator side of the handshake (spec §4.3.2): emit
// a Handshake frame and expect an Ack, retrying up to opts.MaxRetries times
// within the outer timeout, each attempt bounded by opts.OpTimeoutMillis.
func Connect(r *router.Router, local address.Address, hostname string, remote address.Address, timeout time.Duration, opts frame.Options) (*Conn, error) {
	c := newConn(r, local, hostname, remote, opts, false)
	deadline := sperrors.NewDeadline(timeout)
	respBuf := make([]byte, frame.HeaderSize+opts.MTU())

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			return nil, errors.Wrap(sperrors.Timeout, "protocol connect")
		}
		opTimeout := c.opTimeout(deadline)

		hs := c.makeControlFrame(frame.Handshake, nil)
		if _, err := r.Write(hs, remote, opTimeout); err != nil {
			continue
		}
		peer := remote
		n, err := r.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil || f.Header.Type != frame.Ack {
			continue
		}

		c.resetSequenceState()
		c.connected = true
		metrics.DefaultSnmp.IncrConnectionsOpen()
		metrics.DefaultSnmp.IncrConnectionsTotal(1)
		return c, nil
	}
	return nil, errors.Wrap(sperrors.Timeout, "protocol connect: retries exhausted")
}

// Accept performs the responder side (spec §4.3.2). If *remote is the
// wildcard address, it accepts a handshake from any peer and writes the
// learned peer back into *remote.
func Accept(r *router.Router, local address.Address, hostname string, remote *address.Address, timeout time.Duration, opts frame.Options) (*Conn, error) {
	c := newConn(r, local, hostname, *remote, opts, true)
	deadline := sperrors.NewDeadline(timeout)
	respBuf := make([]byte, frame.HeaderSize+opts.MTU())

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			return nil, errors.Wrap(sperrors.Timeout, "protocol accept")
		}
		opTimeout := c.opTimeout(deadline)

		peer := *remote
		n, err := r.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil || f.Header.Type != frame.Handshake {
			continue
		}

		ack := c.makeControlFrame(frame.Ack, nil)
		if _, err := r.Write(ack, peer, opTimeout); err != nil {
			continue
		}

		c.remote = peer
		*remote = peer
		c.resetSequenceState()
		c.connected = true
		metrics.DefaultSnmp.IncrConnectionsOpen()
		metrics.DefaultSnmp.IncrConnectionsTotal(1)
		return c, nil
	}
	return nil, errors.Wrap(sperrors.Timeout, "protocol accept: retries exhausted")
}

func (c *Conn) resetSequenceState() {
	c.sendSeq = 0
	c.recvSeq = 0
	c.lastRecvSeq = 0
	c.writes.clear()
	c.reads.clear()
	c.recovered = nil
}

// opTimeout bounds a single exchange by both the per-attempt op_timeout and
// whatever remains of the caller's overall deadline, whichever is smaller.
func (c *Conn) opTimeout(deadline sperrors.Deadline) time.Duration {
	remaining := deadline.Remaining()
	opBudget := time.Duration(c.opts.OpTimeoutMillis) * time.Millisecond
	if remaining < opBudget {
		return remaining
	}
	return opBudget
}

func (c *Conn) makeControlFrame(t frame.Type, payload []byte) []byte {
	var h frame.Header
	h.Type = t
	frame.StampOrigin(&h, c.local, c.hostname)
	h.Sequence = 0
	return frame.Encode(h, payload)
}

// makeDataFrame assigns the next send_sequence (post-increment, wraps at
// UINT32_MAX->0), caches the encoded frame in stored_writes, and returns
// both the wire bytes and the assigned sequence (spec §4.3.1).
func (c *Conn) makeDataFrame(payload []byte) ([]byte, uint32) {
	seq := c.sendSeq
	c.sendSeq++

	var h frame.Header
	h.Type = frame.Data
	frame.StampOrigin(&h, c.local, c.hostname)
	h.Sequence = seq
	buf := frame.Encode(h, payload)
	c.writes.put(seq, buf)
	return buf, seq
}

func (c *Conn) rewindSendSeq(seq uint32) {
	c.sendSeq = seq
}

// Connected reports whether the handshake has completed and no fatal error
// has since broken the connection.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Remote returns the peer address learned at handshake time.
func (c *Conn) Remote() address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Local returns this end's own bind address.
func (c *Conn) Local() address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Write sends one Data frame and, on the ack-interval boundary, waits for
// the matching Ack (spec §4.3.3).
func (c *Conn) Write(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return 0, errors.Wrap(sperrors.NotConnected, "protocol write")
	}
	if len(buf) == 0 {
		return 0, errors.Wrap(sperrors.IncorrectParameter, "protocol write: empty buffer")
	}
	if len(buf) > c.opts.MTU() {
		return 0, &sperrors.BufferOverflow{Required: len(buf)}
	}

	databuf, seq := c.makeDataFrame(buf)
	deadline := sperrors.NewDeadline(timeout)
	respBuf := make([]byte, frame.HeaderSize+c.opts.MTU())

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			c.rewindSendSeq(seq)
			return 0, errors.Wrap(sperrors.Timeout, "protocol write")
		}
		opTimeout := c.opTimeout(deadline)

		if _, err := c.router.Write(databuf, c.remote, opTimeout); err != nil {
			continue
		}
		if seq%c.opts.NoAckCount != 0 {
			return len(buf), nil
		}

		peer := c.remote
		n, err := c.router.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue // timeout with no reply: resend the cached frame next attempt
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil {
			continue
		}

		switch f.Header.Type {
		case frame.Ack:
			return len(buf), nil
		case frame.Retransmit:
			seqs := frame.DecodeSequenceList(f.Payload)
			if err := c.retransmitResponse(seqs, deadline); err != nil {
				return 0, err
			}
			return len(buf), nil
		default:
			c.rewindSendSeq(seq)
			return 0, &sperrors.UnexpectedFrame{Expected: frame.Ack.String(), Actual: f.Header.Type.String()}
		}
	}

	c.rewindSendSeq(seq)
	return 0, errors.Wrap(sperrors.ConnectionBroken, "protocol write: retries exhausted")
}

// Read receives one Data frame's payload, first draining any frames a prior
// retransmit-request round recovered (spec §4.3.3).
func (c *Conn) Read(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return 0, errors.Wrap(sperrors.NotConnected, "protocol read")
	}
	if len(buf) < c.opts.MTU() {
		return 0, &sperrors.BufferOverflow{Required: c.opts.MTU()}
	}

	if n, ok, err := c.drainRecovered(buf); ok {
		return n, err
	}

	deadline := sperrors.NewDeadline(timeout)
	respBuf := make([]byte, frame.HeaderSize+c.opts.MTU())

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			return 0, errors.Wrap(sperrors.Timeout, "protocol read")
		}
		opTimeout := c.opTimeout(deadline)

		peer := c.remote
		n, err := c.router.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil {
			continue
		}
		if f.Header.Type != frame.Data {
			return 0, &sperrors.UnexpectedFrame{Expected: frame.Data.String(), Actual: f.Header.Type.String()}
		}

		if f.Header.Sequence == c.recvSeq {
			c.reads.put(f.Header.Sequence, respBuf[:n])
			c.recvSeq = f.Header.Sequence + 1
			if f.Header.Sequence%c.opts.NoAckCount == 0 {
				ack := c.makeControlFrame(frame.Ack, nil)
				c.router.Write(ack, c.remote, opTimeout)
				c.router.Write(ack, c.remote, opTimeout) // duplicate ack (spec §4.3.3, §9)
			}
			return copy(buf, f.Payload), nil
		}

		if int32(f.Header.Sequence-c.recvSeq) < 0 {
			// Behind recv_sequence: a frame we already delivered, most
			// likely a sender resend after a lost or corrupted ack
			// (spec §5, invariant 3). Drop silently and keep reading.
			continue
		}

		// Gap: this frame arrived ahead of recv_sequence.
		c.reads.put(f.Header.Sequence, respBuf[:n])
		if err := c.retransmitRequest(f.Header.Sequence, deadline); err != nil {
			c.connected = false
			return 0, errors.Wrap(sperrors.ConnectionBroken, "protocol read: retransmit request failed")
		}
		if n, ok, err := c.drainRecovered(buf); ok {
			return n, err
		}
		c.connected = false
		return 0, errors.Wrap(sperrors.ConnectionBroken, "protocol read: retransmit request recovered nothing")
	}

	return 0, errors.Wrap(sperrors.Timeout, "protocol read: retries exhausted")
}

// drainRecovered pops one frame off recovered_frames into buf, if any are
// queued. The second return distinguishes "queue was empty, fall through to
// the normal receive loop" from "a pop was attempted" (whose result,
// success or error, the caller returns directly).
func (c *Conn) drainRecovered(buf []byte) (int, bool, error) {
	if len(c.recovered) == 0 {
		return 0, false, nil
	}
	seq := c.recovered[0]
	c.recovered = c.recovered[1:]

	cached, ok := c.reads.take(seq)
	if !ok {
		return 0, true, errors.Wrap(sperrors.ConnectionBroken, "protocol read: recovered frame missing from cache")
	}
	f, err := frame.Decode(cached)
	if err != nil {
		return 0, true, errors.Wrap(sperrors.ConnectionBroken, "protocol read: recovered frame undecodable")
	}
	if len(c.recovered) == 0 {
		c.recvSeq = seq + 1
	}
	return copy(buf, f.Payload), true, nil
}

// retransmitRequest is the receiver-driven recovery subroutine (spec
// §4.3.4), invoked when Read observes observedSeq out of order.
func (c *Conn) retransmitRequest(observedSeq uint32, deadline sperrors.Deadline) error {
	last := observedSeq
	respBuf := make([]byte, frame.HeaderSize+c.opts.MTU())

	// Step 1: keep reading until a frame lands on the ack-interval boundary,
	// or the alignment phase exhausts its own retry budget.
	for attempt := 0; last%c.opts.NoAckCount != 0 && attempt < c.opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			break
		}
		opTimeout := c.opTimeout(deadline)
		peer := c.remote
		n, err := c.router.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil || f.Header.Type != frame.Data {
			continue
		}
		if int32(f.Header.Sequence-c.recvSeq) < 0 {
			continue // duplicate of an already-delivered frame; not part of the gap
		}
		c.reads.put(f.Header.Sequence, respBuf[:n])
		if int32(f.Header.Sequence-c.recvSeq) > int32(last-c.recvSeq) {
			last = f.Header.Sequence
		}
	}
	c.lastRecvSeq = last

	missing := c.missingSequences(c.recvSeq, last)
	if len(missing) == 0 {
		ack := c.makeControlFrame(frame.Ack, nil)
		c.router.Write(ack, c.remote, c.opTimeout(deadline))
		metrics.DefaultSnmp.IncrAcks(1)
		c.pushRecovered(c.recvSeq, last)
		return nil
	}

	for attempt := 0; attempt < c.opts.MaxRetries && len(missing) > 0; attempt++ {
		if deadline.Expired() {
			return errors.Wrap(sperrors.Timeout, "protocol retransmit request")
		}
		opTimeout := c.opTimeout(deadline)

		payload := frame.EncodeSequenceList(missing, c.opts.MTU())
		req := c.makeControlFrame(frame.Retransmit, payload)
		if _, err := c.router.Write(req, c.remote, opTimeout); err != nil {
			continue
		}
		metrics.DefaultSnmp.IncrRetransmitsSent(1)

		peer := c.remote
		n, err := c.router.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil || f.Header.Type != frame.Ack {
			continue
		}

		requested := len(payload) / 4
		for i := 0; i < requested; i++ {
			if deadline.Expired() {
				return errors.Wrap(sperrors.Timeout, "protocol retransmit request: drain")
			}
			dp := c.remote
			n, err := c.router.Read(respBuf, &dp, c.opTimeout(deadline))
			if err != nil {
				continue
			}
			rf, err := frame.Decode(respBuf[:n])
			if err != nil || rf.Header.Type != frame.Data {
				continue
			}
			c.reads.put(rf.Header.Sequence, respBuf[:n])
		}

		missing = c.missingSequences(c.recvSeq, last)
	}

	if len(missing) > 0 {
		return errors.Wrap(sperrors.RepeatRetransmit, "protocol retransmit request: still missing frames")
	}

	c.pushRecovered(c.recvSeq, last)
	return nil
}

// retransmitResponse is the sender-driven recovery subroutine (spec
// §4.3.5), invoked when Write receives a Retransmit frame instead of the
// expected Ack.
func (c *Conn) retransmitResponse(seqs []uint32, deadline sperrors.Deadline) error {
	metrics.DefaultSnmp.IncrRetransmitsRecv(1)
	respBuf := make([]byte, frame.HeaderSize+c.opts.MTU())

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if deadline.Expired() {
			return errors.Wrap(sperrors.Timeout, "protocol retransmit response")
		}
		opTimeout := c.opTimeout(deadline)

		ack := c.makeControlFrame(frame.Ack, nil)
		if _, err := c.router.Write(ack, c.remote, opTimeout); err != nil {
			continue
		}
		metrics.DefaultSnmp.IncrAcks(1)

		for _, seq := range seqs {
			buf, ok := c.writes.take(seq)
			if !ok {
				c.connected = false
				return errors.Wrap(sperrors.ConnectionBroken, "protocol retransmit response: sequence evicted from cache")
			}
			if _, err := c.router.Write(buf, c.remote, opTimeout); err != nil {
				return errors.Wrap(sperrors.WriteFailed, "protocol retransmit response: resend failed")
			}
		}

		peer := c.remote
		n, err := c.router.Read(respBuf, &peer, opTimeout)
		if err != nil {
			continue
		}
		f, err := frame.Decode(respBuf[:n])
		if err != nil {
			continue
		}

		switch f.Header.Type {
		case frame.Ack:
			return nil
		case frame.Retransmit:
			seqs = frame.DecodeSequenceList(f.Payload)
			continue
		default:
			return &sperrors.UnexpectedFrame{Expected: frame.Ack.String(), Actual: f.Header.Type.String()}
		}
	}

	c.connected = false
	return errors.Wrap(sperrors.RepeatRetransmit, "protocol retransmit response: retries exhausted")
}

// missingSequences returns the sequence numbers in [from, to) not present in
// stored_reads, iterating with wraparound (spec §4.3.4 step 2). Guards
// against to landing behind from (would otherwise iterate ~2^32 times): that
// can only mean the gap-detection above let a stale or duplicate sequence
// through, so treat it as nothing missing rather than hang.
func (c *Conn) missingSequences(from, to uint32) []uint32 {
	if span := to - from; span > uint32(c.opts.StorageMax) {
		return nil
	}
	var missing []uint32
	for seq := from; seq != to; seq++ {
		if _, ok := c.reads.take(seq); !ok {
			missing = append(missing, seq)
		}
	}
	return missing
}

// pushRecovered appends every now-cached sequence in [from, to], in order,
// onto recovered_frames (spec §4.3.4 step 4). to is always included: it is
// the frame whose arrival triggered recovery in the first place.
func (c *Conn) pushRecovered(from, to uint32) {
	for seq := from; seq != to; seq++ {
		if _, ok := c.reads.take(seq); ok {
			c.recovered = append(c.recovered, seq)
		}
	}
	c.recovered = append(c.recovered, to)
}

// Close marks the connection closed. Teardown is passive (spec §4.3.2): a
// best-effort Goodbye is sent but its result is ignored.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	goodbye := c.makeControlFrame(frame.Goodbye, nil)
	_, _ = c.router.Write(goodbye, c.remote, 50*time.Millisecond)
	c.connected = false
	metrics.DefaultSnmp.DecrConnectionsOpen()
	return nil
}
