package types

import "github.com/ethereum/go-ethereum/common"

// VMState is an opaque snapshot handle produced by the engine.
type VMState struct {
	Hash common.Hash `json:"hash"`

	// Suspended marks a state captured mid-way through a multi-step
	// transaction that still needs a continuation.
	Suspended bool `json:"suspended"`

	// Origin is the input whose execution produced this state. Nil at genesis.
	Origin *Input `json:"-"`

	// Handle is engine-owned and never inspected by the fuzzer.
	Handle any `json:"-"`
}

func (s *VMState) IsGenesis() bool {
	return s.Origin == nil
}

// Equal compares states by hash.
func (s *VMState) Equal(o *VMState) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Hash == o.Hash
}

// StateRecord is the persisted form of an infant state: the state hash plus
// the inputs that reproduce it from genesis.
type StateRecord struct {
	Hash      common.Hash `json:"hash"`
	Suspended bool        `json:"suspended"`
	Sequence  []*Input    `json:"sequence"`
}

// Record builds the persisted form of s.
func (s *VMState) Record() *StateRecord {
	rec := &StateRecord{Hash: s.Hash, Suspended: s.Suspended}
	if s.Origin != nil {
		rec.Sequence = s.Origin.Sequence()
	}
	return rec
}
