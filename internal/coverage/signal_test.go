package coverage

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSaturates(t *testing.T) {
	var m Map
	for range 300 {
		m.Hit(7)
	}
	assert.Equal(t, uint8(255), m[7])

	m.Add(7+MapSize, 10)
	assert.Equal(t, uint8(255), m[7], "index wraps to the same slot")
	assert.Equal(t, 1, m.Count())

	m.Clear()
	assert.Equal(t, 0, m.Count())
}

func TestDistance(t *testing.T) {
	assert.Equal(t, uint64(30), Distance(uint256.NewInt(50), uint256.NewInt(20)))
	assert.Equal(t, uint64(30), Distance(uint256.NewInt(20), uint256.NewInt(50)))
	assert.Equal(t, uint64(0), Distance(uint256.NewInt(9), uint256.NewInt(9)))
	assert.Equal(t, CmpSentinel, Distance(nil, uint256.NewInt(1)))

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	assert.Equal(t, MaxDistance, Distance(huge, uint256.NewInt(0)))
}

func TestCmpMapKeepsSmallest(t *testing.T) {
	m := NewCmpMap()
	m.Record(3, 40)
	m.Record(3, 90)
	m.Record(3, 12)
	assert.Equal(t, uint64(12), m[3])
	assert.Equal(t, CmpSentinel, m[4])
}

func TestCmpBestScenario(t *testing.T) {
	best := NewCmpBest()
	observe := func(d uint64) []Improvement {
		m := NewCmpMap()
		m.Record(11, d)
		return best.Update(m, 1)
	}

	first := observe(50)
	require.Len(t, first, 1, "first observation is an improvement")
	assert.Equal(t, CmpSentinel, first[0].Previous)

	second := observe(20)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(30), second[0].Gain())

	assert.Empty(t, observe(80))
	assert.Empty(t, observe(20), "equal distance is not an improvement")
	assert.Equal(t, uint64(20), best.Best(11))
}

func TestCmpBestThreshold(t *testing.T) {
	best := NewCmpBest()
	m := NewCmpMap()
	m.Record(0, 100)
	require.Len(t, best.Update(m, 10), 1)

	m.Record(0, 95)
	assert.Empty(t, best.Update(m, 10))

	m.Record(0, 90)
	assert.Len(t, best.Update(m, 10), 1)
}

func TestVirginUpdate(t *testing.T) {
	v := NewVirgin()
	var m Map
	m.Hit(1)
	m.Hit(2)
	assert.Equal(t, []int{1, 2}, v.Update(&m))
	assert.Empty(t, v.Update(&m))

	m.Hit(9)
	assert.Equal(t, []int{9}, v.Update(&m))
	assert.Equal(t, 3, v.Count())

	other := NewVirgin()
	var o Map
	o.Hit(9)
	o.Hit(10)
	other.Update(&o)
	assert.Equal(t, 1, v.Merge(other))
}
