package coverage

import (
	"math"

	"github.com/holiman/uint256"
)

// MapSize is the number of slots in every coverage map.
const MapSize = 4096

// CmpSentinel marks a comparison site with no comparable observation.
const CmpSentinel uint64 = math.MaxUint64

// MaxDistance is the largest distance a comparable pair can report.
// Differences that do not fit are clamped here so they never collide with the sentinel.
const MaxDistance = CmpSentinel - 1

// Map is a fixed-size hit counter map. Counters saturate at 255.
type Map [MapSize]uint8

// Hit increments the counter at idx by one, saturating.
func (m *Map) Hit(idx int) {
	m.Add(idx, 1)
}

// Add increments the counter at idx by n, saturating.
func (m *Map) Add(idx int, n uint8) {
	slot := idx % MapSize
	if slot < 0 {
		slot += MapSize
	}
	sum := uint16(m[slot]) + uint16(n)
	if sum > math.MaxUint8 {
		sum = math.MaxUint8
	}
	m[slot] = uint8(sum)
}

// Clear zeroes the map.
func (m *Map) Clear() {
	*m = Map{}
}

// Count returns the number of non-zero slots.
func (m *Map) Count() int {
	n := 0
	for _, v := range m {
		if v != 0 {
			n++
		}
	}
	return n
}

// CmpMap holds the smallest comparison distance observed per site during one execution.
type CmpMap [MapSize]uint64

// NewCmpMap returns a map with every site set to the sentinel.
func NewCmpMap() *CmpMap {
	m := &CmpMap{}
	m.Clear()
	return m
}

// Clear resets every site to the sentinel.
func (m *CmpMap) Clear() {
	for i := range m {
		m[i] = CmpSentinel
	}
}

// Observe records the distance between two compared operands at site idx,
// keeping the smallest distance seen during this execution.
func (m *CmpMap) Observe(idx int, a, b *uint256.Int) {
	m.Record(idx, Distance(a, b))
}

// Record keeps d at site idx if it is smaller than what the site holds.
func (m *CmpMap) Record(idx int, d uint64) {
	slot := idx % MapSize
	if slot < 0 {
		slot += MapSize
	}
	if d < m[slot] {
		m[slot] = d
	}
}

// Distance is the unsigned difference between a and b. Nil operands are
// incomparable and yield the sentinel; differences beyond 64 bits clamp to MaxDistance.
func Distance(a, b *uint256.Int) uint64 {
	if a == nil || b == nil {
		return CmpSentinel
	}
	var diff uint256.Int
	if a.Gt(b) {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	if !diff.IsUint64() {
		return MaxDistance
	}
	d := diff.Uint64()
	if d > MaxDistance {
		return MaxDistance
	}
	return d
}

// EdgeIndex maps a branch (pc -> target) to a jump map slot.
func EdgeIndex(pc, target uint64) int {
	return int((pc * (target + 1)) % MapSize)
}

// SlotIndex maps a (contract, storage slot) pair hash to a read/write map slot.
func SlotIndex(h uint64) int {
	return int(h % MapSize)
}

// Signal is the per-execution coverage produced by the engine. It is owned by
// one worker and is only valid until the next execution clears it.
type Signal struct {
	Jump  Map
	Read  Map
	Write Map
	Cmp   CmpMap
}

// NewSignal returns a cleared signal.
func NewSignal() *Signal {
	s := &Signal{}
	s.Cmp.Clear()
	return s
}

// Reset clears all maps before the next execution.
func (s *Signal) Reset() {
	s.Jump.Clear()
	s.Read.Clear()
	s.Write.Clear()
	s.Cmp.Clear()
}

// Clone returns a deep copy.
func (s *Signal) Clone() *Signal {
	c := *s
	return &c
}
