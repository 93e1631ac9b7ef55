package remote

import (
	"context"
	"encoding/json"
	"testing"

	"vmfuzz/internal/coverage"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/engine/enginetest"
	"vmfuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func request(t *testing.T, s *Server, req *Request) *Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return s.handle(context.Background(), body)
}

func TestServerExecutesAgainstKnownStates(t *testing.T) {
	s := NewServer(enginetest.NewToy(), zap.NewNop())

	genesis := request(t, s, &Request{Method: MethodGenesis})
	require.Empty(t, genesis.Error)
	require.NotNil(t, genesis.State)

	unlock := types.NewInput(enginetest.Attacker, enginetest.Vault, nil, []byte{enginetest.OpUnlock, enginetest.UnlockKey}, nil, 0)
	resp := request(t, s, &Request{Method: MethodExecute, State: genesis.State.Hash, Input: unlock})
	require.Empty(t, resp.Error)
	assert.NotEqual(t, genesis.State.Hash, resp.State.Hash)
	require.NotNil(t, resp.Coverage)
	assert.NotEmpty(t, resp.Coverage.Jump)

	sig := coverage.NewSignal()
	resp.Coverage.Decode(sig)
	assert.Equal(t, len(resp.Coverage.Jump), sig.Jump.Count())
	assert.Equal(t, uint64(0), sig.Cmp[7])

	bal := request(t, s, &Request{Method: MethodBalance, State: resp.State.Hash, Address: enginetest.Vault})
	require.Empty(t, bal.Error)
	assert.Equal(t, enginetest.GenesisBalance, bal.Balance.Uint64())
}

func TestServerReportsFailures(t *testing.T) {
	toy := enginetest.NewToy()
	toy.FailOn = func(*types.Input) error {
		return &engine.ExecutionError{Kind: engine.KindResourceExhausted}
	}
	s := NewServer(toy, zap.NewNop())

	unknown := request(t, s, &Request{Method: MethodCall, Input: &types.Input{}})
	assert.Contains(t, unknown.Error, "unknown state")

	genesis := request(t, s, &Request{Method: MethodGenesis})
	in := types.NewInput(enginetest.Attacker, enginetest.Vault, nil, []byte{1}, nil, 0)
	resp := request(t, s, &Request{Method: MethodExecute, State: genesis.State.Hash, Input: in})
	assert.Equal(t, engine.KindResourceExhausted, resp.Kind)

	bad := s.handle(context.Background(), []byte("{"))
	assert.Contains(t, bad.Error, "malformed request")
}
