package protocol

// frameStore is the replay cache make_frame/take_from_storage index into
// (spec §4.3.1): stored_writes on the sender side, stored_reads on the
// receiver side. Keyed by sequence number, trimmed FIFO by insertion order
// rather than numeric order since sequences wrap (spec §9 open question on
// trim_storage).
type frameStore struct {
	data  map[uint32][]byte
	order []uint32
	max   int
	trim  int
}

func newFrameStore(max, trim int) *frameStore {
	return &frameStore{
		data: make(map[uint32][]byte),
		max:  max,
		trim: trim,
	}
}

// put copies buf into the cache under seq, trimming the oldest entries by
// insertion order once the cache reaches its configured ceiling.
func (s *frameStore) put(seq uint32, buf []byte) {
	if _, exists := s.data[seq]; !exists {
		s.order = append(s.order, seq)
	}
	cp := append([]byte(nil), buf...)
	s.data[seq] = cp

	if len(s.data) >= s.max {
		s.trimOldest()
	}
}

func (s *frameStore) trimOldest() {
	n := s.trim
	if n > len(s.order) {
		n = len(s.order)
	}
	for _, seq := range s.order[:n] {
		delete(s.data, seq)
	}
	s.order = append([]uint32(nil), s.order[n:]...)
}

// take returns the cached bytes for seq. The bool reports whether seq was
// present; take_from_storage's "zeroed buffer" sentinel in the original is
// replaced here with an explicit found flag, which callers (retransmit
// response, §4.3.5) use to detect an evicted sequence.
func (s *frameStore) take(seq uint32) ([]byte, bool) {
	buf, ok := s.data[seq]
	return buf, ok
}

func (s *frameStore) clear() {
	s.data = make(map[uint32][]byte)
	s.order = nil
}

func (s *frameStore) len() int {
	return len(s.data)
}
