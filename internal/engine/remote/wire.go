package remote

import (
	"vmfuzz/internal/coverage"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

type Method string

const (
	MethodGenesis Method = "genesis"
	MethodExecute Method = "execute"
	MethodCall    Method = "call"
	MethodBalance Method = "balance"
)

// Request is the JSON body sent to the executor.
type Request struct {
	Method  Method         `json:"method"`
	State   common.Hash    `json:"state"`
	Input   *types.Input   `json:"input,omitempty"`
	Address common.Address `json:"address,omitempty"`
}

// Response is the JSON body the executor replies with.
type Response struct {
	Error string           `json:"error,omitempty"`
	Kind  engine.ErrorKind `json:"kind,omitempty"`

	State      *WireState         `json:"state,omitempty"`
	Reverted   bool               `json:"reverted,omitempty"`
	ReturnData hexutil.Bytes      `json:"return_data,omitempty"`
	Logs       []types.Log        `json:"logs,omitempty"`
	Trace      []types.TraceEvent `json:"trace,omitempty"`
	Coverage   *WireCoverage      `json:"coverage,omitempty"`
	Balance    *uint256.Int       `json:"balance,omitempty"`
}

type WireState struct {
	Hash      common.Hash `json:"hash"`
	Suspended bool        `json:"suspended,omitempty"`
}

type Hit struct {
	Idx   uint16 `json:"i"`
	Count uint8  `json:"n"`
}

type CmpHit struct {
	Idx      uint16 `json:"i"`
	Distance uint64 `json:"d"`
}

// WireCoverage is the sparse form of a coverage.Signal.
type WireCoverage struct {
	Jump  []Hit    `json:"jump,omitempty"`
	Read  []Hit    `json:"read,omitempty"`
	Write []Hit    `json:"write,omitempty"`
	Cmp   []CmpHit `json:"cmp,omitempty"`
}

func sparse(m *coverage.Map) []Hit {
	var out []Hit
	for i, n := range m {
		if n != 0 {
			out = append(out, Hit{uint16(i), n})
		}
	}
	return out
}

func EncodeCoverage(sig *coverage.Signal) *WireCoverage {
	if sig == nil {
		return nil
	}
	w := &WireCoverage{
		Jump:  sparse(&sig.Jump),
		Read:  sparse(&sig.Read),
		Write: sparse(&sig.Write),
	}
	for i, d := range sig.Cmp {
		if d != coverage.CmpSentinel {
			w.Cmp = append(w.Cmp, CmpHit{uint16(i), d})
		}
	}
	return w
}

// Decode writes the sparse coverage into sig after clearing it.
func (w *WireCoverage) Decode(sig *coverage.Signal) {
	sig.Reset()
	if w == nil {
		return
	}
	for _, h := range w.Jump {
		sig.Jump.Add(int(h.Idx), h.Count)
	}
	for _, h := range w.Read {
		sig.Read.Add(int(h.Idx), h.Count)
	}
	for _, h := range w.Write {
		sig.Write.Add(int(h.Idx), h.Count)
	}
	for _, h := range w.Cmp {
		sig.Cmp.Record(int(h.Idx), h.Distance)
	}
}
