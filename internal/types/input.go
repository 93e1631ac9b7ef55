package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// EntryID identifies a corpus entry. Zero means "no entry", which for a start
// state reference means genesis.
type EntryID uint64

// Input is one candidate transaction bound to the state it starts from.
// Inputs are never mutated after creation; the With* helpers return copies.
type Input struct {
	Caller  common.Address `json:"caller"`
	Target  common.Address `json:"target"`
	Value   *uint256.Int   `json:"value,omitempty"`
	Payload hexutil.Bytes  `json:"payload"`
	StartID EntryID        `json:"start_id"`

	// Start is the engine snapshot the input executes against.
	Start *VMState `json:"-"`
}

func NewInput(caller, target common.Address, value *uint256.Int, payload []byte, start *VMState, startID EntryID) *Input {
	in := &Input{
		Caller:  caller,
		Target:  target,
		Payload: common.CopyBytes(payload),
		StartID: startID,
		Start:   start,
	}
	if value != nil {
		in.Value = new(uint256.Int).Set(value)
	}
	return in
}

func (in *Input) clone() *Input {
	c := *in
	c.Payload = common.CopyBytes(in.Payload)
	if in.Value != nil {
		c.Value = new(uint256.Int).Set(in.Value)
	}
	return &c
}

// WithStart rebinds the input to another starting state.
func (in *Input) WithStart(start *VMState, startID EntryID) *Input {
	c := in.clone()
	c.Start = start
	c.StartID = startID
	return c
}

func (in *Input) WithPayload(payload []byte) *Input {
	c := in.clone()
	c.Payload = common.CopyBytes(payload)
	return c
}

func (in *Input) WithValue(value *uint256.Int) *Input {
	c := in.clone()
	if value == nil {
		c.Value = nil
	} else {
		c.Value = new(uint256.Int).Set(value)
	}
	return c
}

// HasValue reports whether the input transfers a non-zero value.
func (in *Input) HasValue() bool {
	return in.Value != nil && !in.Value.IsZero()
}

// Size is the payload length plus one when a value is attached.
func (in *Input) Size() int {
	n := len(in.Payload)
	if in.HasValue() {
		n++
	}
	return n
}

// Hash identifies the transaction together with its starting state.
func (in *Input) Hash() common.Hash {
	var value [32]byte
	if in.Value != nil {
		value = in.Value.Bytes32()
	}
	var start common.Hash
	if in.Start != nil {
		start = in.Start.Hash
	}
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], uint64(in.StartID))
	return crypto.Keccak256Hash(in.Caller[:], in.Target[:], value[:], in.Payload, start[:], sid[:])
}

// Sequence returns the chain of inputs that leads from genesis to the end of in,
// following the origin of each start state.
func (in *Input) Sequence() []*Input {
	var rev []*Input
	for cur := in; cur != nil; {
		rev = append(rev, cur)
		if cur.Start == nil {
			break
		}
		cur = cur.Start.Origin
	}
	seq := make([]*Input, len(rev))
	for i, step := range rev {
		seq[len(rev)-1-i] = step
	}
	return seq
}

// SequenceSize returns the number of steps and the summed step sizes.
func SequenceSize(seq []*Input) (steps, bytes int) {
	for _, in := range seq {
		bytes += in.Size()
	}
	return len(seq), bytes
}

// Smaller reports whether a is strictly smaller than b: fewer steps, or the
// same number of steps with smaller payloads.
func Smaller(a, b []*Input) bool {
	as, ab := SequenceSize(a)
	bs, bb := SequenceSize(b)
	if as != bs {
		return as < bs
	}
	return ab < bb
}
