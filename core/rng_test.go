package core

import "testing"

func TestSequence_RNG_CachesSameGeneratorAcrossCalls(t *testing.T) {
	p := baseParams()
	p.Seed = 99
	seq := NewSequence(0, []int{1}, p, -1)

	first := seq.RNG()
	second := seq.RNG()
	if first != second {
		t.Fatalf("RNG() must return the same cached generator on every call")
	}
}

func TestSequence_RNG_SameSeedAndIndexReproducesDrawSequence(t *testing.T) {
	p := baseParams()
	p.Seed = 123
	seqA := NewSequence(2, []int{1}, p, -1)
	seqB := NewSequence(2, []int{1}, p, -1)

	for i := 0; i < 10; i++ {
		a := seqA.RNG().Float64()
		b := seqB.RNG().Float64()
		if a != b {
			t.Fatalf("draw %d diverged: %v != %v", i, a, b)
		}
	}
}

func TestSequence_RNG_DifferentIndexDiverges(t *testing.T) {
	p := baseParams()
	p.Seed = 123
	seqA := NewSequence(0, []int{1}, p, -1)
	seqB := NewSequence(1, []int{1}, p, -1)

	if seqA.RNG().Float64() == seqB.RNG().Float64() {
		t.Fatalf("sibling sequences with different indices must not share a draw stream")
	}
}
