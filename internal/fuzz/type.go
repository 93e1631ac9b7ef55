package fuzz

import (
	"context"
	"math/rand"

	"vmfuzz/internal/types"
)

// Mutator derives a new input from a skeleton already bound to its start
// state. Implementations must not modify in.
type Mutator interface {
	Mutate(rng *rand.Rand, in *types.Input) *types.Input
}

// StatusSource reports whether a campaign was canceled from outside the
// process.
type StatusSource interface {
	Canceled(ctx context.Context, campaignID string) (bool, error)
}
