// Deterministic, per-Sequence RNG isolation for the Sampling Pipeline: a
// fixed, auditable derivation from (master seed, subsystem name) seeds one
// persistent generator per Sequence, cached and reused across every decode
// step so "identical seed -> identical output" holds for the whole
// generation, not just its first token.

package core

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// RNG returns this Sequence's sampling generator, building it once on first
// use from (Params.Seed, subsystem identity) and caching it so later calls
// advance the same stream instead of redrawing the same quantile. Params.Seed
// and Index never change across a Sequence's lifetime, so the derivation only
// needs to run once.
func (s *Sequence) RNG() *rand.Rand {
	if s.rng == nil {
		derived := s.Params.Seed ^ fnv1a64(fmt.Sprintf("seq:%d", s.Index))
		s.rng = rand.New(rand.NewSource(derived))
	}
	return s.rng
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}
