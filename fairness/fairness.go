// Package fairness implements deterministic, seed-driven winner and
// elimination selection. Every function here is pure: the same inputs
// always produce the same outputs, so any observer holding the seed can
// re-run the draw and verify it.
package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrNoParticipants = errors.New("no participants to select from")

// stream expands a seed into uniform index choices via keyed hashing of
// seed‖counter. Rejection sampling removes modulo bias.
type stream struct {
	seed    []byte
	counter uint64
	buf     []byte
	off     int
}

func newStream(seed string) *stream {
	return &stream{seed: []byte(seed)}
}

func (s *stream) next8() uint64 {
	if s.off+8 > len(s.buf) {
		mac := hmac.New(sha256.New, s.seed)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], s.counter)
		mac.Write(ctr[:])
		s.buf = mac.Sum(nil)
		s.off = 0
		s.counter++
	}
	v := binary.BigEndian.Uint64(s.buf[s.off : s.off+8])
	s.off += 8
	return v
}

// uintn returns a uniform value in [0, n). Values in the biased tail of
// the 64-bit range are rejected and redrawn.
func (s *stream) uintn(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	limit := (^uint64(0) / n) * n
	for {
		v := s.next8()
		if v < limit {
			return v % n
		}
	}
}

// SelectWinners picks winnersCount entries from participants using an
// unbiased partial Fisher-Yates shuffle driven by the seed. If there are
// winnersCount or fewer participants, everyone wins and no randomness is
// consumed. Re-invoking with identical inputs returns identical output.
func SelectWinners(participants []string, winnersCount int, seed string) ([]string, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if winnersCount <= 0 {
		return []string{}, nil
	}
	if len(participants) <= winnersCount {
		out := make([]string, len(participants))
		copy(out, participants)
		return out, nil
	}

	pool := make([]string, len(participants))
	copy(pool, participants)

	s := newStream(seed)
	for i := 0; i < winnersCount; i++ {
		j := i + int(s.uintn(uint64(len(pool)-i)))
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:winnersCount], nil
}

// DrawNumber derives the elimination number for a round from the seed,
// uniform over [min, max]. Distinct rounds draw from distinct keyed
// streams so one seed serves the whole game.
func DrawNumber(seed string, round, min, max int) int {
	if max < min {
		min, max = max, min
	}
	span := uint64(max-min) + 1

	s := newStream(fmt.Sprintf("%s:round:%d", seed, round))
	return min + int(s.uintn(span))
}
