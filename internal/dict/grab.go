package dict

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DictRedisKey = "vmfuzz:dicts:%s" // vmfuzz:dicts:<campaign_id>

type DictGrabber struct {
	logger      *zap.Logger
	redisClient *redis.Client
}

type DictGrabberParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client `optional:"true"`
}

func NewDictGrabber(params DictGrabberParams) *DictGrabber {
	return &DictGrabber{
		params.Logger,
		params.RedisClient,
	}
}

// GrabDict merges the dictionary files registered for a campaign.
//
// The set of dictionary file paths is read from Redis, every file is parsed
// and the tokens are deduplicated in first-seen order. Files that cannot be
// read are skipped with a warning.
func (d *DictGrabber) GrabDict(ctx context.Context, campaignID string) (Dictionary, error) {
	if d.redisClient == nil {
		return nil, nil
	}
	key := fmt.Sprintf(DictRedisKey, campaignID)

	dictPaths, err := d.redisClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get dict set from redis: %w", err)
	}

	d.logger.Info("Got dicts from Redis",
		zap.String("campaign_id", campaignID),
		zap.Int("numDicts", len(dictPaths)))

	var merged Dictionary
	for _, path := range dictPaths {
		tokens, err := LoadFile(path)
		if err != nil {
			d.logger.Warn("failed to load dict file", zap.String("path", path), zap.Error(err))
			continue
		}
		merged = merged.Merge(tokens)
	}
	return merged, nil
}

// LoadFile parses one dictionary file.
func LoadFile(path string) (Dictionary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dict file %s: %w", path, err)
	}
	return Parse(string(content))
}
