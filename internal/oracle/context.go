package oracle

import (
	"context"
	"errors"

	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

var ErrNoCaller = errors.New("no read-only caller configured")

// Caller issues read-only calls against a state. The engine implements it.
type Caller interface {
	Call(ctx context.Context, state *types.VMState, in *types.Input) ([]byte, error)
}

type callKey struct {
	state common.Hash
	input common.Hash
}

// Context is everything oracles see about one execution. It is discarded once
// the execution has been checked.
type Context struct {
	Input  *types.Input
	Pre    *types.VMState
	Post   *types.VMState
	Result *types.ExecutionResult

	caller Caller
	cache  *lru.Cache
	facts  map[string]any
}

func newContext(in *types.Input, res *types.ExecutionResult, caller Caller, cache *lru.Cache) *Context {
	return &Context{
		Input:  in,
		Pre:    in.Start,
		Post:   res.Post,
		Result: res,
		caller: caller,
		cache:  cache,
		facts:  make(map[string]any),
	}
}

// Call runs a read-only call against the post state. Results are cached per
// (state, call) since states are immutable.
func (c *Context) Call(ctx context.Context, in *types.Input) ([]byte, error) {
	if c.caller == nil {
		return nil, ErrNoCaller
	}
	key := callKey{input: in.Hash()}
	if c.Post != nil {
		key.state = c.Post.Hash
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.([]byte), nil
		}
	}
	out, err := c.caller.Call(ctx, c.Post, in)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(key, out)
	}
	return out, nil
}

func (c *Context) SetFact(key string, value any) {
	c.facts[key] = value
}

func (c *Context) Fact(key string) (any, bool) {
	v, ok := c.facts[key]
	return v, ok
}
