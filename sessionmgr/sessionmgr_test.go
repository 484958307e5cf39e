package sessionmgr

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/session"
)

func fastOptions() frame.Options {
	o := frame.DefaultOptions()
	o.OpTimeoutMillis = 200
	o.MaxRetries = 10
	o.NoAckCount = 1
	return o
}

func TestConnectAcceptRoundTrip(t *testing.T) {
	serverMgr := New(fastOptions())
	t.Cleanup(func() { serverMgr.Close() })
	clientMgr := New(fastOptions())
	t.Cleanup(func() { clientMgr.Close() })

	serverConfig := map[string]string{"ip": "127.0.0.1", "port": "0", "hostname": "srv"}
	clientConfig := map[string]string{"ip": "127.0.0.1", "port": "0", "hostname": "cli"}

	// Bind the server endpoint up front so its ephemeral port is known
	// before the client dials it.
	serverAddr, err := serverMgr.LocalAddr(serverConfig)
	if err != nil {
		t.Fatalf("binding server endpoint failed: %v", err)
	}

	var (
		serverSess *session.Session
		serverErr  error
		wg         sync.WaitGroup
	)
	wildcard := address.Wildcard
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverSess, serverErr = serverMgr.Accept(serverConfig, &wildcard, 2*time.Second)
	}()

	clientSess, err := clientMgr.Connect(clientConfig, serverAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept failed: %v", serverErr)
	}

	msg := []byte("hello from client")
	done := make(chan error, 1)
	go func() {
		_, err := clientSess.Write(msg, time.Second)
		done <- err
	}()
	buf := make([]byte, fastOptions().MTU())
	n, err := serverSess.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if werr := <-done; werr != nil {
		t.Fatalf("Write failed: %v", werr)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("unexpected payload: got %q want %q", buf[:n], msg)
	}
}

func TestEndpointReuseForSameLocalConfig(t *testing.T) {
	mgr := New(fastOptions())
	t.Cleanup(func() { mgr.Close() })

	configA := map[string]string{"ip": "127.0.0.1", "port": "0", "hostname": "a"}
	configB := map[string]string{"hostname": "a", "port": "0", "ip": "127.0.0.1"} // same pairs, different insertion order

	addrA, err := mgr.LocalAddr(configA)
	if err != nil {
		t.Fatalf("LocalAddr(configA) failed: %v", err)
	}
	addrB, err := mgr.LocalAddr(configB)
	if err != nil {
		t.Fatalf("LocalAddr(configB) failed: %v", err)
	}
	if addrA != addrB {
		t.Fatalf("expected same bound address for structurally equal configs: %v vs %v", addrA, addrB)
	}
	if got := mgr.EndpointCount(); got != 1 {
		t.Fatalf("expected a single shared endpoint, got %d", got)
	}

	other := map[string]string{"ip": "127.0.0.1", "port": "0", "hostname": "b"}
	if _, err := mgr.LocalAddr(other); err != nil {
		t.Fatalf("LocalAddr(other) failed: %v", err)
	}
	if got := mgr.EndpointCount(); got != 2 {
		t.Fatalf("expected a second endpoint for a distinct config, got %d", got)
	}
}

func TestConfigKeyIsOrderIndependent(t *testing.T) {
	a := configKey(map[string]string{"ip": "127.0.0.1", "port": "9000"})
	b := configKey(map[string]string{"port": "9000", "ip": "127.0.0.1"})
	if a != b {
		t.Fatalf("expected identical keys regardless of map iteration order: %q vs %q", a, b)
	}

	c := configKey(map[string]string{"ip": "127.0.0.1", "port": "9001"})
	if a == c {
		t.Fatalf("expected different keys for different configs")
	}
}

func TestCloseRemovesAllEndpoints(t *testing.T) {
	mgr := New(fastOptions())
	config := map[string]string{"ip": "127.0.0.1", "port": "0", "hostname": "x"}
	if _, err := mgr.LocalAddr(config); err != nil {
		t.Fatalf("LocalAddr failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := mgr.EndpointCount(); got != 0 {
		t.Fatalf("expected no endpoints after Close, got %d", got)
	}
}
