package fuzz

import (
	"encoding/json"
	"fmt"

	"vmfuzz/internal/types"
)

// StateCodec persists infant states as the input sequence that reproduces
// them from genesis. Decoded states carry no engine handle; the campaign
// replays them before use.
type StateCodec struct{}

func (StateCodec) Encode(state *types.VMState) ([]byte, error) {
	return json.Marshal(state.Record())
}

func (StateCodec) Decode(data []byte) (*types.VMState, error) {
	var rec types.StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rebuild(&rec)
}

// rebuild links the recorded inputs into an origin chain ending in a state
// with the recorded hash. Intermediate states are placeholders.
func rebuild(rec *types.StateRecord) (*types.VMState, error) {
	var prev *types.VMState
	for i, step := range rec.Sequence {
		if step == nil {
			return nil, fmt.Errorf("state %s: step %d is empty", rec.Hash.Hex(), i)
		}
		in := step.WithStart(prev, 0)
		prev = &types.VMState{Origin: in}
	}
	if prev == nil {
		return &types.VMState{Hash: rec.Hash, Suspended: rec.Suspended}, nil
	}
	prev.Hash = rec.Hash
	prev.Suspended = rec.Suspended
	return prev, nil
}
