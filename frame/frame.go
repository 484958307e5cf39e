// Package frame implements sprot's wire format: the 36-byte frame header,
// its XOR-of-16-bit-words checksum, and the Options record
// that derives MTU and the retry/storage/ack-interval knobs every higher
// layer consults (spec §3 Frame, Options).
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sprotocol/sprot/address"
)

// Type enumerates the frame kinds carried in the wire header.
type Type uint16

const (
	Unknown    Type = 0x00
	Handshake  Type = 0x13
	Goodbye    Type = 0x14
	Ack        Type = 0x15
	Nack       Type = 0x16
	Data       Type = 0x17
	Retransmit Type = 0x18
)

func (t Type) String() string {
	switch t {
	case Handshake:
		return "Handshake"
	case Goodbye:
		return "Goodbye"
	case Ack:
		return "Ack"
	case Nack:
		return "Nack"
	case Data:
		return "Data"
	case Retransmit:
		return "Retransmit"
	default:
		return "Unknown"
	}
}

// HeaderSize is the fixed header length in bytes (spec §3 Frame table).
const HeaderSize = 36

const hostnameSize = 18

// Header offsets, per spec §3.
const (
	offCRC        = 0
	offType       = 2
	offOriginIP   = 4
	offOriginPort = 8
	offHostname   = 10
	offSequence   = 28
	offDataLen    = 32
)

// Header is the decoded 36-byte frame header.
type Header struct {
	CRC        uint16
	Type       Type
	OriginIP   [4]byte
	OriginPort uint16
	Hostname   string
	Sequence   uint32
	DataLen    uint16
}

// Frame is a decoded header plus its payload bytes (len(Payload) ==
// Header.DataLen).
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeHeader writes h into buf[:HeaderSize] without computing the CRC
// (callers compute and patch offset 0 after the full frame, including
// payload, has been written — see Checksum). buf must be at least
// HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[offCRC:], h.CRC)
	binary.LittleEndian.PutUint16(buf[offType:], uint16(h.Type))
	copy(buf[offOriginIP:offOriginIP+4], h.OriginIP[:])
	binary.LittleEndian.PutUint16(buf[offOriginPort:], h.OriginPort)

	var hostBuf [hostnameSize]byte
	copy(hostBuf[:], h.Hostname) // truncates silently if longer than 18 bytes
	copy(buf[offHostname:offHostname+hostnameSize], hostBuf[:])

	binary.LittleEndian.PutUint32(buf[offSequence:], h.Sequence)
	binary.LittleEndian.PutUint16(buf[offDataLen:], h.DataLen)
}

// DecodeHeader parses buf[:HeaderSize] into a Header. buf must be at least
// HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Errorf("frame: header too short: %d bytes", len(buf))
	}
	var h Header
	h.CRC = binary.LittleEndian.Uint16(buf[offCRC:])
	h.Type = Type(binary.LittleEndian.Uint16(buf[offType:]))
	copy(h.OriginIP[:], buf[offOriginIP:offOriginIP+4])
	h.OriginPort = binary.LittleEndian.Uint16(buf[offOriginPort:])

	hostBuf := buf[offHostname : offHostname+hostnameSize]
	n := 0
	for n < hostnameSize && hostBuf[n] != 0 {
		n++
	}
	h.Hostname = string(hostBuf[:n])

	h.Sequence = binary.LittleEndian.Uint32(buf[offSequence:])
	h.DataLen = binary.LittleEndian.Uint16(buf[offDataLen:])
	return h, nil
}

// Checksum computes the XOR-of-16-bit-little-endian-words checksum over
// buf[2:], treating a trailing odd byte as a low byte XOR (spec §3
// invariants). buf must contain the full frame (header+payload); the CRC
// field itself (bytes [0:2]) is excluded from the computation.
func Checksum(buf []byte) uint16 {
	var crc uint16
	body := buf[2:]
	i := 0
	for ; i+1 < len(body); i += 2 {
		word := uint16(body[i]) | uint16(body[i+1])<<8
		crc ^= word
	}
	if i < len(body) {
		crc ^= uint16(body[i])
	}
	return crc
}

// Encode serializes a complete frame (header with CRC computed + payload)
// into a freshly allocated buffer of length HeaderSize+len(payload).
func Encode(h Header, payload []byte) []byte {
	h.DataLen = uint16(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	EncodeHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	binary.LittleEndian.PutUint16(buf[offCRC:], Checksum(buf))
	return buf
}

// Decode parses a complete wire frame (header+payload) and verifies its
// checksum. On a mismatch it returns an unexported crc error whose Values
// method reports the declared and computed checksums; router and protocol
// callers treat any Decode error as a dropped frame.
func Decode(buf []byte) (Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if len(buf) < HeaderSize+int(h.DataLen) {
		return Frame{}, errors.Errorf("frame: buffer too short for declared data_len %d", h.DataLen)
	}
	want := Checksum(buf[:HeaderSize+int(h.DataLen)])
	if want != h.CRC {
		return Frame{}, &crcMismatch{expected: h.CRC, actual: want}
	}
	payload := make([]byte, h.DataLen)
	copy(payload, buf[HeaderSize:HeaderSize+int(h.DataLen)])
	return Frame{Header: h, Payload: payload}, nil
}

type crcMismatch struct {
	expected, actual uint16
}

func (e *crcMismatch) Error() string {
	return "frame: crc check failed"
}

// Values exposes the header-declared CRC and the CRC computed over the
// received bytes.
func (e *crcMismatch) Values() (expected, actual uint16) { return e.expected, e.actual }

// OriginAddress reconstructs the sender's address from the header's
// self-reported origin_ip/origin_listen_port fields (spec §4.2 step d: the
// router forms the origin Address from these, not the UDP source port).
func OriginAddress(h Header) address.Address {
	return address.Address{IP: h.OriginIP, Port: h.OriginPort}
}

// StampOrigin fills h's origin fields from the local bind address and
// hostname, used by make_frame (spec §4.3.1).
func StampOrigin(h *Header, local address.Address, hostname string) {
	h.OriginIP = local.IP
	h.OriginPort = local.Port
	h.Hostname = hostname
}

// EncodeSequenceList packs a list of missing sequence numbers into a
// Retransmit frame payload (4 bytes each, little-endian), truncated to fit
// within maxBytes.
func EncodeSequenceList(seqs []uint32, maxBytes int) []byte {
	maxCount := maxBytes / 4
	if maxCount > len(seqs) {
		maxCount = len(seqs)
	}
	buf := make([]byte, maxCount*4)
	for i := 0; i < maxCount; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], seqs[i])
	}
	return buf
}

// DecodeSequenceList unpacks a Retransmit frame payload into sequence
// numbers.
func DecodeSequenceList(payload []byte) []uint32 {
	n := len(payload) / 4
	seqs := make([]uint32, n)
	for i := 0; i < n; i++ {
		seqs[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	return seqs
}
