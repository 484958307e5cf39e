// Package sessionmgr implements sprot's L3.1: sharing one (Transport,
// Router) pair per local endpoint across however many Sessions are opened
// against it (spec §4.5). The local-config mapping is compared
// structurally — two connect/accept calls with the same ip/port/hostname
// reuse the existing endpoint rather than binding a second socket.
package sessionmgr

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/protocol"
	"github.com/sprotocol/sprot/router"
	"github.com/sprotocol/sprot/session"
	"github.com/sprotocol/sprot/transport"
)

// endpoint is one bound local socket and its demultiplexer, shared by every
// Session opened against the same local configuration.
type endpoint struct {
	transport *transport.Transport
	router    *router.Router
}

// Manager owns the endpoint map. The zero value is not usable; construct
// with New.
type Manager struct {
	opts frame.Options

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// New returns a Manager that loads opts for every endpoint it creates.
func New(opts frame.Options) *Manager {
	return &Manager{
		opts:      opts,
		endpoints: make(map[string]*endpoint),
	}
}

// configKey canonicalizes a configuration mapping for use as a map key:
// map[string]string isn't itself comparable, so local-config equality (spec
// §4.5 "compared structurally") is implemented as an equality check on this
// sorted key=value encoding.
func configKey(config map[string]string) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(config[k])
		b.WriteByte(';')
	}
	return b.String()
}

// endpointFor returns the shared endpoint for localConfig, binding a new
// UDP socket and Router only the first time a given local configuration is
// seen (spec §4.5).
func (m *Manager) endpointFor(localConfig map[string]string) (*endpoint, error) {
	key := configKey(localConfig)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.endpoints[key]; ok {
		return ep, nil
	}

	tr, err := transport.Enable(localConfig)
	if err != nil {
		return nil, err
	}
	rt := router.New(tr, m.opts)
	rt.Start()

	ep := &endpoint{transport: tr, router: rt}
	m.endpoints[key] = ep
	return ep, nil
}

// Connect opens a new Session to remote, reusing or creating the local
// endpoint named by localConfig (spec §4.5, §6 Session API).
func (m *Manager) Connect(localConfig map[string]string, remote address.Address, timeout time.Duration) (*session.Session, error) {
	ep, err := m.endpointFor(localConfig)
	if err != nil {
		return nil, err
	}
	conn, err := protocol.Connect(ep.router, ep.transport.LocalAddr(), address.Hostname(localConfig), remote, timeout, m.opts)
	if err != nil {
		return nil, err
	}
	return session.New(conn, m.opts, localConfig), nil
}

// Accept waits for an incoming handshake on the endpoint named by
// localConfig. If *remote is the wildcard address, the learned peer is
// written back into it (spec §4.5, §6).
func (m *Manager) Accept(localConfig map[string]string, remote *address.Address, timeout time.Duration) (*session.Session, error) {
	ep, err := m.endpointFor(localConfig)
	if err != nil {
		return nil, err
	}
	conn, err := protocol.Accept(ep.router, ep.transport.LocalAddr(), address.Hostname(localConfig), remote, timeout, m.opts)
	if err != nil {
		return nil, err
	}
	return session.New(conn, m.opts, localConfig), nil
}

// Close tears down every endpoint this Manager ever created, stopping each
// Router's background threads and closing its socket. Sessions still
// referencing a closed endpoint will see their reads/writes fail; this is
// meant for orderly process shutdown, not per-session teardown (use
// Session.Disconnect for that).
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key, ep := range m.endpoints {
		ep.router.Stop()
		if err := ep.transport.Disable(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "sessionmgr: closing endpoint")
		}
		delete(m.endpoints, key)
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// LocalAddr returns the bound address of the endpoint for localConfig,
// binding it first if this is the first time that configuration is seen.
// Useful for learning an ephemeral ("port": "0") bind before handing the
// address to a peer.
func (m *Manager) LocalAddr(localConfig map[string]string) (address.Address, error) {
	ep, err := m.endpointFor(localConfig)
	if err != nil {
		return address.Address{}, err
	}
	return ep.transport.LocalAddr(), nil
}

// EndpointCount reports how many distinct local endpoints are currently
// shared, for tests asserting the reuse-or-create invariant (spec §4.5).
func (m *Manager) EndpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}
