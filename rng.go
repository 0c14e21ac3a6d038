package mamlgo

import "math/rand"

// Stream is a seedable random stream with an explicit position. Every draw
// consumes exactly one value from the underlying source, so a stream can be
// reconstructed from its (seed, count) pair after a resume by discarding the
// same number of values.
type Stream struct {
	seed  int64
	count uint64
	rng   *rand.Rand
}

func NewStream(seed int64) *Stream {
	return &Stream{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// ResumeStream rebuilds a stream at a recorded position.
func ResumeStream(seed int64, count uint64) *Stream {
	s := NewStream(seed)
	for i := uint64(0); i < count; i++ {
		s.rng.Uint64()
	}
	s.count = count
	return s
}

func (s *Stream) Seed() int64   { return s.seed }
func (s *Stream) Count() uint64 { return s.count }

func (s *Stream) Uint64() uint64 {
	s.count++
	return s.rng.Uint64()
}

// Intn returns a value in [0, n). A single-draw reduction keeps the stream
// position independent of n.
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		panic("Intn: n must be positive")
	}
	return int(s.Uint64() % uint64(n))
}

// Float32 returns a value in [0, 1).
func (s *Stream) Float32() float32 {
	return float32(s.Uint64()>>40) / (1 << 24)
}

// Perm fills a Fisher-Yates permutation of [0, n) using exactly n-1 draws.
func (s *Stream) Perm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := s.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}
