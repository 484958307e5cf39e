package frame

import (
	"testing"
)

func TestChecksumRoundTrip(t *testing.T) {
	h := Header{Type: Data, Sequence: 42, Hostname: "host-a"}
	buf := Encode(h, []byte("hello world?"))

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if decoded.Header.Sequence != 42 || decoded.Header.Type != Data {
		t.Fatalf("unexpected header: %+v", decoded.Header)
	}
	if string(decoded.Payload) != "hello world?" {
		t.Fatalf("unexpected payload: %q", decoded.Payload)
	}
}

func TestChecksumDetectsSingleByteFlip(t *testing.T) {
	h := Header{Type: Data, Sequence: 1}
	buf := Encode(h, []byte("payload"))

	for pos := 2; pos < len(buf); pos++ {
		corrupted := append([]byte(nil), buf...)
		corrupted[pos] ^= 0xFF
		if _, err := Decode(corrupted); err == nil {
			t.Fatalf("expected crc failure after flipping byte %d", pos)
		}
	}
}

func TestChecksumIgnoresCRCFieldItself(t *testing.T) {
	h := Header{Type: Ack}
	buf := Encode(h, nil)
	// the checksum is computed over bytes [2:] only, so corrupting the stored
	// crc field leaves the computed value unchanged and the two no longer match.
	buf[0] ^= 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected crc mismatch after corrupting stored crc")
	}
}

func TestOptionsDefaultsAndDerivedMTU(t *testing.T) {
	o := DefaultOptions()
	if o.MTU() != o.MaxFrameSize-HeaderSize {
		t.Fatalf("mtu not derived correctly: %d", o.MTU())
	}
}

func TestOptionsLoadIdempotentAndIgnoresMTU(t *testing.T) {
	config := map[string]string{
		"max_frame_size": "2096",
		"no_ack_count":   "4",
		"storage_max":    "89",
		"storage_trim":   "30",
		"op_timeout":     "200",
		"max_retries":    "10",
	}
	o1 := DefaultOptions().Load(config)
	o2 := o1.Load(config)
	if o1 != o2 {
		t.Fatalf("Load is not idempotent: %+v vs %+v", o1, o2)
	}
	if o1.MaxFrameSize != 2096 || o1.MTU() != 2096-HeaderSize {
		t.Fatalf("unexpected max_frame_size/mtu: %+v", o1)
	}
	if o1.NoAckCount != 4 || o1.StorageMax != 89 || o1.StorageTrim != 30 {
		t.Fatalf("unexpected option values: %+v", o1)
	}

	// an explicit "mtu" key must never override the derived value (S7).
	o3 := o1.Load(map[string]string{"mtu": "666"})
	if o3.MTU() != o1.MTU() {
		t.Fatalf("mtu key must be ignored, got %d want %d", o3.MTU(), o1.MTU())
	}
}

func TestOptionsMaxFrameSizeClampedToBounds(t *testing.T) {
	tooSmall := DefaultOptions().Load(map[string]string{"max_frame_size": "10"})
	if tooSmall.MaxFrameSize != minMaxFrameSize {
		t.Fatalf("expected clamp to %d, got %d", minMaxFrameSize, tooSmall.MaxFrameSize)
	}
	tooBig := DefaultOptions().Load(map[string]string{"max_frame_size": "999999"})
	if tooBig.MaxFrameSize != maxMaxFrameSize {
		t.Fatalf("expected clamp to %d, got %d", maxMaxFrameSize, tooBig.MaxFrameSize)
	}
}

func TestSequenceListRoundTrip(t *testing.T) {
	seqs := []uint32{1, 2, 5, 4294967295}
	payload := EncodeSequenceList(seqs, 1000)
	got := DecodeSequenceList(payload)
	if len(got) != len(seqs) {
		t.Fatalf("expected %d sequences, got %d", len(seqs), len(got))
	}
	for i := range seqs {
		if got[i] != seqs[i] {
			t.Fatalf("sequence %d: expected %d got %d", i, seqs[i], got[i])
		}
	}
}

func TestSequenceListTruncatesToFit(t *testing.T) {
	seqs := []uint32{1, 2, 3, 4, 5}
	payload := EncodeSequenceList(seqs, 8) // room for 2 entries only
	if len(payload) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(payload))
	}
	got := DecodeSequenceList(payload)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected truncated sequence list: %v", got)
	}
}
