package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0xa11ce")
	target = common.HexToAddress("0xc0ffee")
)

func TestInputIsImmutable(t *testing.T) {
	payload := []byte{1, 2, 3}
	in := NewInput(alice, target, uint256.NewInt(5), payload, nil, 0)
	payload[0] = 9
	assert.Equal(t, byte(1), in.Payload[0])

	zeroed := in.WithValue(nil)
	assert.True(t, in.HasValue())
	assert.False(t, zeroed.HasValue())
	assert.Equal(t, 4, in.Size())
	assert.Equal(t, 3, zeroed.Size())
	assert.NotEqual(t, in.Hash(), zeroed.Hash())
}

func TestSequenceFollowsOrigins(t *testing.T) {
	genesis := &VMState{Hash: common.HexToHash("0x01")}
	first := NewInput(alice, target, nil, []byte{1}, genesis, 0)
	s1 := &VMState{Hash: common.HexToHash("0x02"), Origin: first}
	second := NewInput(alice, target, nil, []byte{2}, s1, 4)
	s2 := &VMState{Hash: common.HexToHash("0x03"), Origin: second}
	third := NewInput(alice, target, nil, []byte{3}, s2, 7)

	seq := third.Sequence()
	require.Len(t, seq, 3)
	assert.Same(t, first, seq[0])
	assert.Same(t, second, seq[1])
	assert.Same(t, third, seq[2])

	rec := s2.Record()
	assert.Len(t, rec.Sequence, 2)
	assert.True(t, genesis.IsGenesis())
}

func TestSmaller(t *testing.T) {
	a := NewInput(alice, target, nil, make([]byte, 4), nil, 0)
	b := NewInput(alice, target, nil, make([]byte, 36), nil, 0)

	assert.True(t, Smaller([]*Input{a}, []*Input{a, a}))
	assert.True(t, Smaller([]*Input{a, a}, []*Input{a, b}))
	assert.False(t, Smaller([]*Input{a, b}, []*Input{a, b}))
	assert.False(t, Smaller([]*Input{a, a, a}, []*Input{b, b}))
}

func TestBuildArtifact(t *testing.T) {
	in := NewInput(alice, target, nil, []byte{0xde, 0xad}, nil, 0)
	sol := &Solution{
		ID:       "s-1",
		Sequence: []*Input{in},
		Bug:      &BugRecord{BugIdx: BugReentrancy, Kind: BugReentrancy.String(), Oracle: "reentrancy"},
	}
	data, err := sol.BuildArtifact()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bug_kind": "reentrancy"`)
	assert.Contains(t, string(data), `"payload": "0xdead"`)
	assert.Equal(t, data, sol.Artifact)
}
