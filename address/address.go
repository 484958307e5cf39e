// Package address implements the (ip, port) identity shared by every layer
// of sprot: local bind addresses, remote peer identities, and the router's
// wildcard accept-any slot.
package address

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Address is an IPv4 address plus a UDP port. Equality and ordering are
// lexicographic on (IP, Port).
type Address struct {
	IP   [4]byte
	Port uint16
}

// Wildcard is the empty (0,0) address used by Router.Read/Protocol.Accept to
// match any peer on first contact.
var Wildcard = Address{}

// IsWildcard reports whether a equals the wildcard (0,0) address.
func (a Address) IsWildcard() bool {
	return a == Wildcard
}

// Less reports whether a sorts before b, lexicographically on (IP, Port).
func (a Address) Less(b Address) bool {
	for i := 0; i < 4; i++ {
		if a.IP[i] != b.IP[i] {
			return a.IP[i] < b.IP[i]
		}
	}
	return a.Port < b.Port
}

// String renders the address as "ip:port", the form used as map keys and in
// log lines.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// UDPAddr converts a to a *net.UDPAddr for use with a net.PacketConn.
func (a Address) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, a.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// FromUDPAddr builds an Address from a resolved *net.UDPAddr. Only the IPv4
// representation is kept; non-IPv4 addresses are rejected.
func FromUDPAddr(u *net.UDPAddr) (Address, error) {
	if u == nil {
		return Address{}, errors.New("address: nil udp address")
	}
	v4 := u.IP.To4()
	if v4 == nil {
		return Address{}, errors.Errorf("address: %s is not an IPv4 address", u.IP)
	}
	if u.Port < 0 || u.Port > 65535 {
		return Address{}, errors.Errorf("address: port %d out of range", u.Port)
	}
	var a Address
	copy(a.IP[:], v4)
	a.Port = uint16(u.Port)
	return a, nil
}

// FromConfig builds an Address from a configuration mapping carrying "ip"
// (dotted quad) and "port" (decimal 0-65535) keys, per spec §6. Missing keys
// default to the wildcard address's components (0.0.0.0:0).
func FromConfig(config map[string]string) (Address, error) {
	var a Address
	if ipStr, ok := config["ip"]; ok && ipStr != "" {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return Address{}, errors.Errorf("address: invalid ip %q", ipStr)
		}
		v4 := ip.To4()
		if v4 == nil {
			return Address{}, errors.Errorf("address: %q is not an IPv4 address", ipStr)
		}
		copy(a.IP[:], v4)
	}
	if portStr, ok := config["port"]; ok && portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return Address{}, errors.Errorf("address: invalid port %q", portStr)
		}
		a.Port = uint16(port)
	}
	return a, nil
}

// Hostname extracts the "hostname" key from config unchanged; it is
// truncated/zero-padded to 18 bytes at serialization time (see
// frame.EncodeHeader).
func Hostname(config map[string]string) string {
	return config["hostname"]
}
