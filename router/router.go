// Package router implements sprot's L1: a per-peer demultiplexer sitting on
// top of one transport.Transport, with a background reader thread that
// parks inbound datagrams into per-address request queues and a garbage
// collector that bounds queue growth (spec §4.2).
package router

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/metrics"
	"github.com/sprotocol/sprot/sperrors"
	"github.com/sprotocol/sprot/transport"
)

// headerReadTimeout bounds the reader thread's first-stage (header-only)
// read, per spec §4.2.
const headerReadTimeout = 250 * time.Millisecond

// gcInterval is how often the garbage collector sweeps the waitlist, per
// spec §4.2.
const gcInterval = 2 * time.Second

// scheduleSpin is the busy-wait granularity schedule_read uses while
// waiting for a request slot to be filled (spec §4.2 rationale).
const scheduleSpin = time.Millisecond

// request is a single parked read: either waiting to be filled by the
// reader thread, or filled and waiting to be consumed by a caller.
type request struct {
	buf  []byte
	n    int
	peer address.Address
	done int32 // atomic: 0 pending, 1 filled
}

// Router demultiplexes one shared transport.Transport by peer address.
type Router struct {
	transport *transport.Transport
	maxConns  int
	maxQueue  int
	frameBuf  int // size of buffers allocated for request slots

	mu       sync.Mutex
	waitlist map[address.Address][]*request

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New constructs a Router over t. Call Start to begin demultiplexing.
func New(t *transport.Transport, opts frame.Options) *Router {
	return &Router{
		transport: t,
		maxConns:  opts.MaxConnections,
		maxQueue:  opts.MaxRequestsInQueue,
		frameBuf:  frame.HeaderSize + opts.MTU(),
		waitlist:  make(map[address.Address][]*request),
		stop:      make(chan struct{}),
	}
}

// Start spawns the background reader and GC threads. Never call Start
// twice on the same Router.
func (r *Router) Start() {
	r.wg.Add(2)
	go r.readLoop()
	go r.gcLoop()
}

// Stop signals both background threads to exit and joins them; bounded by
// roughly 2x the GC interval (spec §5 Cancellation).
func (r *Router) Stop() {
	r.stopped.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Write is a thin pass-through to the underlying transport (spec §4.2).
func (r *Router) Write(buf []byte, peer address.Address, timeout time.Duration) (int, error) {
	n, err := r.transport.Write(buf, peer, timeout)
	if err == nil {
		metrics.DefaultSnmp.IncrFramesSent(1)
		metrics.DefaultSnmp.IncrBytesSent(uint64(n))
	}
	return n, err
}

// Read returns the next datagram addressed to peer, or (if peer is the
// wildcard address) the next datagram from any origin. On success buf
// holds the frame bytes and peer is rewritten with the actual origin.
func (r *Router) Read(buf []byte, peer *address.Address, timeout time.Duration) (int, error) {
	req, err := r.scheduleRead(*peer, timeout)
	if err != nil {
		return 0, err
	}
	n := copy(buf, req.buf[:req.n])
	*peer = req.peer
	return n, nil
}

// scheduleRead locates an already-filled request for addr (consuming it
// immediately), or parks a new pending request and spins until it is
// filled or the deadline expires (spec §4.2).
func (r *Router) scheduleRead(addr address.Address, timeout time.Duration) (*request, error) {
	deadline := sperrors.NewDeadline(timeout)

	r.mu.Lock()
	queue := r.waitlist[addr]
	for i, req := range queue {
		if atomic.LoadInt32(&req.done) == 1 {
			if remaining := append(queue[:i:i], queue[i+1:]...); len(remaining) == 0 {
				delete(r.waitlist, addr)
			} else {
				r.waitlist[addr] = remaining
			}
			r.mu.Unlock()
			return req, nil
		}
	}
	req := &request{buf: make([]byte, r.frameBuf)}
	r.waitlist[addr] = append(queue, req)
	r.mu.Unlock()

	for {
		if atomic.LoadInt32(&req.done) == 1 {
			r.removeRequest(addr, req)
			return req, nil
		}
		if deadline.Expired() {
			r.nullRequest(addr, req)
			return nil, errors.Wrap(sperrors.Timeout, "router schedule_read")
		}
		time.Sleep(scheduleSpin)
	}
}

// removeRequest drops target from addr's queue, deleting the map entry
// entirely once it's empty. Without this, an address that was ever queried
// leaves behind a permanent empty-slice key, which would make a later
// fillExistingQueue(addr, ...) report "queue exists" and swallow frames
// that should have fallen back to the wildcard list (spec §4.2 step e/f).
func (r *Router) removeRequest(addr address.Address, target *request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waitlist[addr]
	for i, req := range queue {
		if req == target {
			remaining := append(queue[:i:i], queue[i+1:]...)
			if len(remaining) == 0 {
				delete(r.waitlist, addr)
			} else {
				r.waitlist[addr] = remaining
			}
			return
		}
	}
}

// nullRequest drops a timed-out pending slot from its queue; the GC would
// eventually prune it too, but doing it here keeps queues tight under
// steady churn.
func (r *Router) nullRequest(addr address.Address, target *request) {
	r.removeRequest(addr, target)
}

// readLoop is the background reader thread (spec §4.2).
func (r *Router) readLoop() {
	defer r.wg.Done()
	header := make([]byte, frame.HeaderSize)
	body := make([]byte, r.frameBuf)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		var origin address.Address
		n, err := r.transport.Read(header, &origin, headerReadTimeout)
		if err != nil {
			if errors.Is(errors.Cause(err), sperrors.Timeout) {
				continue
			}
			log.Printf("sprot/router: read failed: %v", err)
			continue
		}
		if n < frame.HeaderSize {
			log.Printf("sprot/router: short header read (%d bytes)", n)
			continue
		}

		hdr, err := frame.DecodeHeader(header)
		if err != nil {
			metrics.DefaultSnmp.IncrCrcErrors(1)
			log.Printf("sprot/router: malformed header: %v", err)
			continue
		}

		full := append([]byte(nil), header...)
		if (hdr.Type == frame.Data || hdr.Type == frame.Retransmit) && hdr.DataLen > 0 && int(hdr.DataLen) <= r.frameBuf-frame.HeaderSize {
			bn, err := r.transport.Read(body[:hdr.DataLen], &origin, headerReadTimeout)
			if err != nil {
				log.Printf("sprot/router: body read failed: %v", err)
				continue
			}
			if bn != int(hdr.DataLen) {
				metrics.DefaultSnmp.IncrShortReads(1)
				log.Printf("sprot/router: short body read: got %d want %d", bn, hdr.DataLen)
				continue
			}
			full = append(full, body[:bn]...)
		}

		f, err := frame.Decode(full)
		if err != nil {
			metrics.DefaultSnmp.IncrCrcErrors(1)
			log.Printf("sprot/router: crc check failed from %v: %v", origin, err)
			continue
		}

		metrics.DefaultSnmp.IncrFramesReceived(1)
		metrics.DefaultSnmp.IncrBytesReceived(uint64(len(full)))
		originAddr := frame.OriginAddress(f.Header)
		r.deliver(originAddr, full)
	}
}

// deliver places a decoded, validated frame into the waiting request list
// for origin, falling back to the wildcard list if no queue has ever been
// registered for origin specifically (spec §4.2 step e/f). If neither list
// exists yet, a fresh slot is allocated under origin so whichever caller
// shows up first — a direct read for origin, or a later accept-any read —
// can still consume it.
func (r *Router) deliver(origin address.Address, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fillExistingQueue(origin, origin, data) {
		return
	}
	if r.fillExistingQueue(address.Wildcard, origin, data) {
		return
	}
	r.allocateFilled(origin, data)
}

// fillExistingQueue must be called with r.mu held. It returns false if no
// queue has been registered for addr at all. The filled slot records origin
// as its peer, whichever queue it sits in.
func (r *Router) fillExistingQueue(addr, origin address.Address, data []byte) bool {
	queue, ok := r.waitlist[addr]
	if !ok {
		return false
	}
	for _, req := range queue {
		if atomic.LoadInt32(&req.done) == 0 {
			req.n = copy(req.buf, data)
			req.peer = origin
			atomic.StoreInt32(&req.done, 1)
			return true
		}
	}
	r.allocateFilled(addr, data)
	r.waitlist[addr][len(r.waitlist[addr])-1].peer = origin
	return true
}

// allocateFilled must be called with r.mu held; it appends an already-filled
// slot to addr's queue (creating the queue if necessary).
func (r *Router) allocateFilled(addr address.Address, data []byte) {
	req := &request{buf: make([]byte, r.frameBuf)}
	req.n = copy(req.buf, data)
	req.peer = addr
	atomic.StoreInt32(&req.done, 1)
	r.waitlist[addr] = append(r.waitlist[addr], req)
}

// gcLoop is the periodic waitlist garbage collector (spec §4.2).
func (r *Router) gcLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.gcSweep()
		}
	}
}

func (r *Router) gcSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.waitlist) > r.maxConns {
		r.waitlist = make(map[address.Address][]*request)
		return
	}

	for addr, queue := range r.waitlist {
		if len(queue) == 0 {
			delete(r.waitlist, addr)
			continue
		}
		if len(queue) > r.maxQueue {
			// drop the oldest excess entries (FIFO by insertion order).
			excess := len(queue) - r.maxQueue
			r.waitlist[addr] = append([]*request(nil), queue[excess:]...)
		}
	}
}

// QueueLen reports the current number of parked requests for addr (test
// helper for the router-queue-bound invariant, spec §8 invariant 6).
func (r *Router) QueueLen(addr address.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waitlist[addr])
}
