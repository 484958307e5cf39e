package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/router"
	"github.com/sprotocol/sprot/sperrors"
	"github.com/sprotocol/sprot/transport"
)

func TestFrameStorePutTakeAndTrim(t *testing.T) {
	s := newFrameStore(4, 2)
	for i := uint32(0); i < 4; i++ {
		s.put(i, []byte{byte(i)})
	}
	// hitting the ceiling (len >= max) trims the oldest 2 by insertion order.
	if _, ok := s.take(0); ok {
		t.Fatalf("expected sequence 0 to have been trimmed")
	}
	if _, ok := s.take(1); ok {
		t.Fatalf("expected sequence 1 to have been trimmed")
	}
	if buf, ok := s.take(3); !ok || buf[0] != 3 {
		t.Fatalf("expected sequence 3 still cached, got %v %v", buf, ok)
	}

	s.clear()
	if s.len() != 0 {
		t.Fatalf("expected empty store after clear, got %d", s.len())
	}
}

func newBareConn(opts frame.Options) *Conn {
	return newConn(nil, address.Address{}, "host", address.Address{}, opts, false)
}

func TestMissingAndPushRecoveredHelpers(t *testing.T) {
	c := newBareConn(frame.DefaultOptions())
	c.reads.put(1, []byte("one"))
	c.reads.put(3, []byte("three"))
	// 0, 2 are gaps between recv_sequence=0 and last_received_sequence=4.
	missing := c.missingSequences(0, 4)
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 2 {
		t.Fatalf("unexpected missing set: %v", missing)
	}

	c.reads.put(0, []byte("zero"))
	c.reads.put(2, []byte("two"))
	c.reads.put(4, []byte("four"))
	c.pushRecovered(0, 4)
	want := []uint32{0, 1, 2, 3, 4}
	if len(c.recovered) != len(want) {
		t.Fatalf("unexpected recovered length: %v", c.recovered)
	}
	for i, seq := range want {
		if c.recovered[i] != seq {
			t.Fatalf("recovered[%d] = %d, want %d", i, c.recovered[i], seq)
		}
	}
}

func newEndpoint(t *testing.T, port string) (*transport.Transport, *router.Router) {
	t.Helper()
	tr, err := transport.Enable(map[string]string{"ip": "127.0.0.1", "port": port})
	if err != nil {
		t.Fatalf("transport.Enable failed: %v", err)
	}
	rt := router.New(tr, frame.DefaultOptions())
	rt.Start()
	t.Cleanup(func() {
		rt.Stop()
		tr.Disable()
	})
	return tr, rt
}

func fastOptions() frame.Options {
	o := frame.DefaultOptions()
	o.OpTimeoutMillis = 200
	o.MaxRetries = 10
	o.NoAckCount = 1
	return o
}

func TestConnectAcceptHandshakeAndSingleWrite(t *testing.T) {
	serverTr, serverRt := newEndpoint(t, "0")
	clientTr, clientRt := newEndpoint(t, "0")

	opts := fastOptions()
	serverAddr := serverTr.LocalAddr()
	wildcard := address.Wildcard

	var (
		serverConn *Conn
		serverErr  error
		wg         sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, serverErr = Accept(serverRt, serverAddr, "server", &wildcard, 2*time.Second, opts)
	}()

	clientConn, err := Connect(clientRt, clientTr.LocalAddr(), "client", serverAddr, 2*time.Second, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept failed: %v", serverErr)
	}
	if !clientConn.Connected() || !serverConn.Connected() {
		t.Fatalf("expected both ends connected")
	}
	if serverConn.Remote() != clientConn.local {
		t.Fatalf("server learned wrong peer: got %v want %v", serverConn.Remote(), clientConn.local)
	}

	// NoAckCount is 1, so Write blocks for the Ack that only the concurrent
	// Read sends back.
	payload := []byte("hello session")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(payload, time.Second)
		writeDone <- err
	}()
	buf := make([]byte, opts.MTU())
	n, err := serverConn.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if werr := <-writeDone; werr != nil {
		t.Fatalf("Write failed: %v", werr)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("unexpected payload: got %q want %q", buf[:n], payload)
	}
}

func TestBulkWriteReadInOrder(t *testing.T) {
	serverTr, serverRt := newEndpoint(t, "0")
	clientTr, clientRt := newEndpoint(t, "0")

	opts := fastOptions()
	serverAddr := serverTr.LocalAddr()
	wildcard := address.Wildcard

	var (
		serverConn *Conn
		serverErr  error
		wg         sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, serverErr = Accept(serverRt, serverAddr, "server", &wildcard, 2*time.Second, opts)
	}()

	clientConn, err := Connect(clientRt, clientTr.LocalAddr(), "client", serverAddr, 2*time.Second, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept failed: %v", serverErr)
	}

	const n = 20
	messages := make([]string, n)
	for i := 0; i < n; i++ {
		messages[i] = string(rune('a'+i%26)) + "-payload"
	}

	go func() {
		for _, m := range messages {
			if _, err := clientConn.Write([]byte(m), time.Second); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, opts.MTU())
	for i := 0; i < n; i++ {
		nRead, err := serverConn.Read(buf, 2*time.Second)
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if string(buf[:nRead]) != messages[i] {
			t.Fatalf("message %d: got %q want %q", i, buf[:nRead], messages[i])
		}
	}
}

// TestReadDropsDuplicateAfterLostAck drives the exact traffic pattern S6 /
// invariant 7 (lossless under fault injection) produce: a corrupted or lost
// ack makes the sender resend a frame the receiver already delivered. Read
// must drop that duplicate silently instead of treating it as a gap (spec
// §5, invariant 3) and must not hang doing so.
func TestReadDropsDuplicateAfterLostAck(t *testing.T) {
	serverTr, serverRt := newEndpoint(t, "0")
	clientTr, clientRt := newEndpoint(t, "0")

	opts := fastOptions()
	serverAddr := serverTr.LocalAddr()
	wildcard := address.Wildcard

	var (
		serverConn *Conn
		serverErr  error
		wg         sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, serverErr = Accept(serverRt, serverAddr, "server", &wildcard, 2*time.Second, opts)
	}()

	clientConn, err := Connect(clientRt, clientTr.LocalAddr(), "client", serverAddr, 2*time.Second, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept failed: %v", serverErr)
	}

	// NoAckCount is 1, so the first Write blocks for the Ack that only the
	// concurrent Read sends back.
	first := []byte("first")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(first, time.Second)
		writeDone <- err
	}()
	buf := make([]byte, opts.MTU())
	n, err := serverConn.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read first failed: %v", err)
	}
	if werr := <-writeDone; werr != nil {
		t.Fatalf("Write first failed: %v", werr)
	}
	if string(buf[:n]) != string(first) {
		t.Fatalf("unexpected first payload: got %q", buf[:n])
	}

	// Simulate the sender resending sequence 0 after its ack was lost or
	// corrupted in flight: replay the exact frame the receiver already
	// delivered, out of the client's own writes store.
	dup, ok := clientConn.writes.take(0)
	if !ok {
		t.Fatalf("expected sequence 0 cached in writes store")
	}
	if _, err := clientRt.Write(dup, serverAddr, time.Second); err != nil {
		t.Fatalf("replaying duplicate frame failed: %v", err)
	}

	second := []byte("second")
	if _, err := clientConn.Write(second, time.Second); err != nil {
		t.Fatalf("Write second failed: %v", err)
	}

	done := make(chan struct{})
	var n2 int
	var readErr error
	go func() {
		n2, readErr = serverConn.Read(buf, 2*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Read hung on a duplicate frame instead of dropping it and continuing")
	}
	if readErr != nil {
		t.Fatalf("Read second failed: %v", readErr)
	}
	if string(buf[:n2]) != string(second) {
		t.Fatalf("unexpected second payload: got %q want %q", buf[:n2], second)
	}
}

func TestRetransmitResponseResendsCachedFrames(t *testing.T) {
	senderTr, senderRt := newEndpoint(t, "0")
	peerTr, err := transport.Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("peer transport.Enable failed: %v", err)
	}
	defer peerTr.Disable()

	opts := fastOptions()
	c := newConn(senderRt, senderTr.LocalAddr(), "sender", peerTr.LocalAddr(), opts, false)
	c.connected = true

	var cached [][]byte
	for seq := uint32(0); seq < 3; seq++ {
		h := frame.Header{Type: frame.Data, Sequence: seq}
		frame.StampOrigin(&h, c.local, c.hostname)
		buf := frame.Encode(h, []byte{byte('A' + seq)})
		c.writes.put(seq, buf)
		cached = append(cached, buf)
	}

	deadline := sperrors.NewDeadline(2 * time.Second)

	var respErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		respErr = c.retransmitResponse([]uint32{0, 1, 2}, deadline)
	}()

	peerBuf := make([]byte, frame.HeaderSize+opts.MTU())
	var peer address.Address

	// first frame out: the Ack acknowledging our retransmit request.
	n, err := peerTr.Read(peerBuf, &peer, 2*time.Second)
	if err != nil {
		t.Fatalf("reading initial ack failed: %v", err)
	}
	f, err := frame.Decode(peerBuf[:n])
	if err != nil || f.Header.Type != frame.Ack {
		t.Fatalf("expected initial Ack, got %+v err=%v", f.Header, err)
	}

	for i, want := range cached {
		n, err := peerTr.Read(peerBuf, &peer, 2*time.Second)
		if err != nil {
			t.Fatalf("reading resent frame %d failed: %v", i, err)
		}
		if string(peerBuf[:n]) != string(want) {
			t.Fatalf("resent frame %d mismatch", i)
		}
	}

	finalAck := frame.Header{Type: frame.Ack}
	frame.StampOrigin(&finalAck, peerTr.LocalAddr(), "peer")
	if _, err := peerTr.Write(frame.Encode(finalAck, nil), senderTr.LocalAddr(), time.Second); err != nil {
		t.Fatalf("sending final ack failed: %v", err)
	}

	wg.Wait()
	if respErr != nil {
		t.Fatalf("retransmitResponse returned error: %v", respErr)
	}
}

func TestRetransmitRequestRecoversGap(t *testing.T) {
	receiverTr, receiverRt := newEndpoint(t, "0")
	peerTr, err := transport.Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("peer transport.Enable failed: %v", err)
	}
	defer peerTr.Disable()

	opts := fastOptions()
	c := newConn(receiverRt, receiverTr.LocalAddr(), "receiver", peerTr.LocalAddr(), opts, true)
	c.connected = true

	gapFrame := frame.Header{Type: frame.Data, Sequence: 2}
	frame.StampOrigin(&gapFrame, peerTr.LocalAddr(), "peer")
	c.reads.put(2, frame.Encode(gapFrame, []byte("two")))

	deadline := sperrors.NewDeadline(2 * time.Second)

	var reqErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reqErr = c.retransmitRequest(2, deadline)
	}()

	peerBuf := make([]byte, frame.HeaderSize+opts.MTU())
	var peer address.Address

	n, err := peerTr.Read(peerBuf, &peer, 2*time.Second)
	if err != nil {
		t.Fatalf("reading retransmit request failed: %v", err)
	}
	f, err := frame.Decode(peerBuf[:n])
	if err != nil || f.Header.Type != frame.Retransmit {
		t.Fatalf("expected Retransmit, got %+v err=%v", f.Header, err)
	}
	missing := frame.DecodeSequenceList(f.Payload)
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 1 {
		t.Fatalf("unexpected missing list: %v", missing)
	}

	ack := frame.Header{Type: frame.Ack}
	frame.StampOrigin(&ack, peerTr.LocalAddr(), "peer")
	if _, err := peerTr.Write(frame.Encode(ack, nil), receiverTr.LocalAddr(), time.Second); err != nil {
		t.Fatalf("sending ack failed: %v", err)
	}

	for _, seq := range missing {
		h := frame.Header{Type: frame.Data, Sequence: seq}
		frame.StampOrigin(&h, peerTr.LocalAddr(), "peer")
		if _, err := peerTr.Write(frame.Encode(h, []byte{byte('a' + seq)}), receiverTr.LocalAddr(), time.Second); err != nil {
			t.Fatalf("resending seq %d failed: %v", seq, err)
		}
	}

	wg.Wait()
	if reqErr != nil {
		t.Fatalf("retransmitRequest returned error: %v", reqErr)
	}
	want := []uint32{0, 1, 2}
	if len(c.recovered) != len(want) {
		t.Fatalf("unexpected recovered set: %v", c.recovered)
	}
	for i, seq := range want {
		if c.recovered[i] != seq {
			t.Fatalf("recovered[%d] = %d, want %d", i, c.recovered[i], seq)
		}
	}
}
