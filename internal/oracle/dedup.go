package oracle

import (
	"context"
	"fmt"
	"time"

	"vmfuzz/internal/types"

	mapset "github.com/deckarep/golang-set"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduplicator claims (bug idx, dedup key) pairs. Claim returns true only for
// the first caller of a pair. When it also returns an error the boolean is
// still the best answer available locally.
type Deduplicator interface {
	Claim(ctx context.Context, bug types.BugIdx, key string) (bool, error)
}

func dedupID(bug types.BugIdx, key string) string {
	return fmt.Sprintf("%d:%s", uint64(bug), key)
}

type MemoryDeduplicator struct {
	seen mapset.Set
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{mapset.NewSet()}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, bug types.BugIdx, key string) (bool, error) {
	return d.seen.Add(dedupID(bug, key)), nil
}

func (d *MemoryDeduplicator) Len() int {
	return d.seen.Cardinality()
}

// BugKeyTmpl is the Redis key claimed for a bug: vmfuzz:bugs:<campaign>:<idx>:<key>.
const BugKeyTmpl = "vmfuzz:bugs:%s:%s"

// RedisDeduplicator shares claims between hosts of one campaign through
// SETNX. Claims are remembered locally first, so a Redis outage degrades to
// per-process deduplication.
type RedisDeduplicator struct {
	client   *redis.Client
	campaign string
	ttl      time.Duration
	local    *MemoryDeduplicator
	logger   *zap.Logger
}

func NewRedisDeduplicator(client *redis.Client, campaign string, ttl time.Duration, logger *zap.Logger) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:   client,
		campaign: campaign,
		ttl:      ttl,
		local:    NewMemoryDeduplicator(),
		logger:   logger,
	}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, bug types.BugIdx, key string) (bool, error) {
	fresh, _ := d.local.Claim(ctx, bug, key)
	if !fresh {
		return false, nil
	}
	redisKey := fmt.Sprintf(BugKeyTmpl, d.campaign, dedupID(bug, key))
	ok, err := d.client.SetNX(ctx, redisKey, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		d.logger.Warn("failed to claim bug in redis, using local dedup", zap.String("key", redisKey), zap.Error(err))
		return true, err
	}
	return ok, nil
}
