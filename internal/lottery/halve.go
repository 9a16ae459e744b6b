// Package lottery implements the blockhash-seeded weighted elimination draw.
//
// The draw is a pure function of (seed, weights, survivors) so anyone holding
// the published freeze snapshot and the block hash can recompute the result.
package lottery

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
)

// Result of one massacre draw.
type Result struct {
	// Delta is the power credited to every winner.
	Delta   int64
	Winners map[string]int64
	// Losers is sorted ascending.
	Losers []string
}

// Halve selects min(survivors, len(weights)) winners by weighted sampling
// without replacement. The eliminated players' power is split evenly among
// the winners (floor division) and returned as Delta.
func Halve(seed []byte, weights map[string]int64, survivors int) Result {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	k := survivors
	if k > len(ids) {
		k = len(ids)
	}
	if k < 0 {
		k = 0
	}

	res := Result{Winners: make(map[string]int64, k)}
	if k == len(ids) {
		for _, id := range ids {
			res.Winners[id] = weights[id]
		}
		res.Losers = []string{}
		return res
	}

	rng := newStream(seed)
	remaining := ids
	for i := 0; i < k; i++ {
		idx := pick(rng, remaining, weights)
		id := remaining[idx]
		res.Winners[id] = weights[id]
		remaining = append(remaining[:idx:idx], remaining[idx+1:]...)
	}

	res.Losers = remaining
	var pool int64
	for _, id := range remaining {
		pool = addCapped(pool, weight(weights[id]))
	}
	if k > 0 {
		res.Delta = pool / int64(k)
	}
	return res
}

// pick draws one index from remaining proportionally to weight. Zero-weight
// players are only drawn once no positive weight remains, then uniformly.
func pick(rng *stream, remaining []string, weights map[string]int64) int {
	var total uint64
	for _, id := range remaining {
		total += uint64(weight(weights[id]))
	}
	if total == 0 {
		return int(rng.below(uint64(len(remaining))))
	}
	target := rng.below(total)
	var acc uint64
	for i, id := range remaining {
		acc += uint64(weight(weights[id]))
		if target < acc {
			return i
		}
	}
	return len(remaining) - 1
}

// weight clamps power to the range that keeps the cumulative sum in uint64.
func weight(p int64) int64 {
	const maxWeight = math.MaxInt64 >> 16
	if p < 0 {
		return 0
	}
	if p > maxWeight {
		return maxWeight
	}
	return p
}

func addCapped(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// stream is a SHA-256 counter-mode byte source keyed by the seed.
type stream struct {
	seed    []byte
	counter uint64
	buf     [sha256.Size]byte
	off     int
}

func newStream(seed []byte) *stream {
	s := &stream{seed: append([]byte(nil), seed...)}
	s.refill()
	return s
}

func (s *stream) refill() {
	h := sha256.New()
	h.Write(s.seed)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	h.Write(ctr[:])
	copy(s.buf[:], h.Sum(nil))
	s.counter++
	s.off = 0
}

func (s *stream) uint64() uint64 {
	if s.off+8 > len(s.buf) {
		s.refill()
	}
	v := binary.BigEndian.Uint64(s.buf[s.off : s.off+8])
	s.off += 8
	return v
}

// below returns a uniform value in [0, n) using rejection sampling.
func (s *stream) below(n uint64) uint64 {
	if n&(n-1) == 0 {
		return s.uint64() & (n - 1)
	}
	limit := math.MaxUint64 - math.MaxUint64%n
	for {
		v := s.uint64()
		if v < limit {
			return v % n
		}
	}
}
