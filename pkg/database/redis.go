package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vmfuzz/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const RedisPingTimeout = 5 * time.Second

type RedisParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle `optional:"true"`
}

// NewRedisClient connects to OVERRIDE_REDIS_URL when set and to the
// sentinel-managed master otherwise. The connection is checked before the
// client is handed out.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	var client *redis.Client
	if p.Config.RedisUrl != "" {
		options, err := redis.ParseURL(p.Config.RedisUrl)
		if err != nil {
			return nil, fmt.Errorf("bad redis url: %w", err)
		}
		client = redis.NewClient(options)
	} else {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    p.Config.RedisMasterName,
			SentinelAddrs: strings.Split(p.Config.RedisSentinelHosts, ","),
			DB:            0,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), RedisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		return nil, err
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	p.Logger.Debug("Redis client created successfully")
	return client, nil
}
