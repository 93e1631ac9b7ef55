package fuzz

import (
	"context"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/types"

	"go.uber.org/zap"
)

// Corpora is the set of stores sharing one registry: the transaction
// corpus, the infant state corpus and, for the shared set only, the
// solutions store.
type Corpora struct {
	Registry  *corpus.Registry
	Txs       *corpus.Store[*types.Input]
	Infants   *corpus.Store[*types.VMState]
	Solutions *corpus.Store[*types.Solution]
}

type CorporaOptions struct {
	VoteCeiling float64
	// Journal persists every store of the set. Nil keeps them in memory.
	Journal   corpus.Journal
	Solutions bool
	Logger    *zap.Logger
}

func NewCorpora(opts CorporaOptions) *Corpora {
	registry := corpus.NewRegistry()
	c := &Corpora{
		Registry: registry,
		Txs: corpus.NewStore(registry, corpus.RoleTransaction, corpus.StoreOptions[*types.Input]{
			VoteCeiling: opts.VoteCeiling,
			Journal:     opts.Journal,
			Codec:       corpus.JSONCodec[*types.Input]{},
			Logger:      opts.Logger,
		}),
		Infants: corpus.NewStore(registry, corpus.RoleInfant, corpus.StoreOptions[*types.VMState]{
			VoteCeiling: opts.VoteCeiling,
			Journal:     opts.Journal,
			Codec:       StateCodec{},
			Logger:      opts.Logger,
		}),
	}
	if opts.Solutions {
		c.Solutions = corpus.NewStore(registry, corpus.RoleSolution, corpus.StoreOptions[*types.Solution]{
			Journal: opts.Journal,
			Codec:   corpus.JSONCodec[*types.Solution]{},
			Logger:  opts.Logger,
		})
	}
	return c
}

// Restore replays the journal into every store. Infants come first since
// transactions name them as parents.
func (c *Corpora) Restore(ctx context.Context) error {
	if _, err := c.Infants.Restore(ctx); err != nil {
		return err
	}
	if _, err := c.Txs.Restore(ctx); err != nil {
		return err
	}
	if c.Solutions != nil {
		if _, err := c.Solutions.Restore(ctx); err != nil {
			return err
		}
	}
	return nil
}
