package campaign

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNoRedisMeansNoStore(t *testing.T) {
	assert.Nil(t, NewStatusStore(StatusStoreParams{Logger: zap.NewNop()}))
}

func TestUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	s := NewStatusStore(StatusStoreParams{Logger: zap.NewNop(), RedisClient: client})
	require.NotNil(t, s)

	canceled, err := s.Canceled(context.Background(), "c-1")
	assert.Error(t, err)
	assert.False(t, canceled)
	assert.Error(t, s.SetStatus(context.Background(), "c-1", StatusCanceled))

	parent, previous, err := s.TraceContexts(context.Background(), "c-1")
	assert.Error(t, err)
	assert.Empty(t, parent)
	assert.Empty(t, previous)
	assert.Error(t, s.SetRunTrace(context.Background(), "c-1", `{"traceparent":"00-x"}`))
}
