package transport

import (
	"testing"
	"time"

	"github.com/sprotocol/sprot/address"
)

func TestSmokeUDP(t *testing.T) {
	a, err := Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("Enable(a) failed: %v", err)
	}
	defer a.Disable()

	b, err := Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("Enable(b) failed: %v", err)
	}
	defer b.Disable()

	msg := []byte("hello world?")
	if _, err := a.Write(msg, b.LocalAddr(), time.Second); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	var peer address.Address
	n, err := b.Read(buf, &peer, time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello world?" {
		t.Fatalf("unexpected payload: %q", buf[:n])
	}
	if peer != a.LocalAddr() {
		t.Fatalf("unexpected peer: got %v want %v", peer, a.LocalAddr())
	}
}

func TestReadTimesOutWithNoData(t *testing.T) {
	a, err := Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	defer a.Disable()

	buf := make([]byte, 64)
	var peer address.Address
	start := time.Now()
	_, err = a.Read(buf, &peer, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read blocked too long: %v", elapsed)
	}
}

func TestChaosCorruptsEveryNthDatagram(t *testing.T) {
	a, err := Enable(map[string]string{"ip": "127.0.0.1", "port": "0"})
	if err != nil {
		t.Fatalf("Enable(a) failed: %v", err)
	}
	defer a.Disable()

	b, err := Enable(map[string]string{"ip": "127.0.0.1", "port": "0", "chaos": "2"})
	if err != nil {
		t.Fatalf("Enable(b) failed: %v", err)
	}
	defer b.Disable()

	payload := []byte("0123456789ABCDEF")
	corrupted := false
	for i := 0; i < 6; i++ {
		if _, err := a.Write(payload, b.LocalAddr(), time.Second); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		buf := make([]byte, 64)
		var peer address.Address
		n, err := b.Read(buf, &peer, time.Second)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(buf[:n]) != string(payload) {
			corrupted = true
		}
	}
	if !corrupted {
		t.Fatalf("expected chaos=2 to corrupt at least one of 6 datagrams")
	}
}
