package fuzz

import (
	"math/rand"

	"vmfuzz/internal/dict"
	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	wordSize = 32
	// maxPayload bounds payload growth from insertions.
	maxPayload = 1024
)

var interestingBytes = []byte{0x00, 0x01, 0x7f, 0x80, 0xff}

// Havoc applies a random stack of byte-level mutations, the way AFL's havoc
// stage does. It knows nothing about call encodings.
type Havoc struct {
	Callers    []common.Address
	Dictionary dict.Dictionary
	// MaxStack is the largest number of stacked mutations per input.
	MaxStack int
}

func NewHavoc(callers []common.Address, dictionary dict.Dictionary) *Havoc {
	return &Havoc{Callers: callers, Dictionary: dictionary, MaxStack: 4}
}

func (h *Havoc) Mutate(rng *rand.Rand, in *types.Input) *types.Input {
	stack := 1
	if h.MaxStack > 1 {
		stack += rng.Intn(h.MaxStack)
	}
	payload := append([]byte(nil), in.Payload...)
	value := in.Value
	caller := in.Caller
	for range stack {
		switch rng.Intn(9) {
		case 0:
			if len(payload) > 0 {
				i := rng.Intn(len(payload))
				payload[i] ^= 1 << uint(rng.Intn(8))
			}
		case 1:
			if len(payload) > 0 {
				payload[rng.Intn(len(payload))] = byte(rng.Intn(256))
			}
		case 2:
			if len(payload) > 0 {
				payload[rng.Intn(len(payload))] = interestingBytes[rng.Intn(len(interestingBytes))]
			}
		case 3:
			payload = insert(payload, rng.Intn(len(payload)+1), []byte{byte(rng.Intn(256))})
		case 4:
			if len(payload) > 0 {
				i := rng.Intn(len(payload))
				payload = append(payload[:i], payload[i+1:]...)
			}
		case 5:
			var word [wordSize]byte
			word[wordSize-1] = byte(rng.Intn(256))
			payload = append(payload, word[:]...)
		case 6:
			if len(h.Dictionary) > 0 {
				tok := h.Dictionary[rng.Intn(len(h.Dictionary))]
				payload = insert(payload, rng.Intn(len(payload)+1), tok)
			}
		case 7:
			if len(h.Dictionary) > 0 {
				tok := h.Dictionary[rng.Intn(len(h.Dictionary))]
				at := 0
				if len(payload) > len(tok) {
					at = rng.Intn(len(payload) - len(tok) + 1)
				}
				payload = overwrite(payload, at, tok)
			}
		case 8:
			switch {
			case len(h.Callers) > 1 && rng.Intn(2) == 0:
				caller = h.Callers[rng.Intn(len(h.Callers))]
			case value != nil && rng.Intn(2) == 0:
				value = nil
			default:
				value = uint256.NewInt(uint64(rng.Intn(256)))
			}
		}
	}
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	return types.NewInput(caller, in.Target, value, payload, in.Start, in.StartID)
}

func insert(buf []byte, at int, tok []byte) []byte {
	out := make([]byte, 0, len(buf)+len(tok))
	out = append(out, buf[:at]...)
	out = append(out, tok...)
	return append(out, buf[at:]...)
}

func overwrite(buf []byte, at int, tok []byte) []byte {
	if end := at + len(tok); end > len(buf) {
		buf = append(buf, make([]byte, end-len(buf))...)
	}
	copy(buf[at:], tok)
	return buf
}
