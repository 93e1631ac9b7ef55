package remote

import (
	"context"
	"testing"
	"time"

	"vmfuzz/internal/engine"
	"vmfuzz/internal/engine/enginetest"
	"vmfuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUnreachableEngineFailsTheExecutionOnly(t *testing.T) {
	e := NewEngine(nil, "", time.Second, zap.NewNop())
	in := types.NewInput(enginetest.Attacker, enginetest.Vault, nil, nil, nil, 0)

	_, err := e.Execute(context.Background(), in)
	var ee *engine.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.KindCrash, ee.Kind)
	assert.ErrorIs(t, err, ErrClosed)
}
