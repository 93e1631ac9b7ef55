// Package campaign keeps the lifecycle status of campaigns in Redis so they
// can be canceled from outside the fuzzing host.
package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	StatusKeyTmpl   = "vmfuzz:campaign_status:%s" // vmfuzz:campaign_status:<campaign_id> --> processing | canceled | finished
	TraceCtxKeyTmpl = "vmfuzz:trace_context:%s"   // exported by whoever launched the campaign
	RunTraceKeyTmpl = "vmfuzz:run_trace:%s"       // exported by the latest run of the campaign
)

type Status string

const (
	StatusUnknown    Status = ""
	StatusProcessing Status = "processing"
	StatusCanceled   Status = "canceled"
	StatusFinished   Status = "finished"
)

type StatusStore struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

type StatusStoreParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client `optional:"true"`
}

// NewStatusStore returns nil when no Redis client is available, which
// leaves campaigns cancelable only through the process.
func NewStatusStore(p StatusStoreParams) *StatusStore {
	if p.RedisClient == nil {
		return nil
	}
	return &StatusStore{p.RedisClient, p.Logger}
}

func (s *StatusStore) Status(ctx context.Context, campaignID string) (Status, error) {
	status, err := s.redisClient.Get(ctx, fmt.Sprintf(StatusKeyTmpl, campaignID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to get campaign status: %w", err)
	}
	return Status(status), nil
}

func (s *StatusStore) SetStatus(ctx context.Context, campaignID string, status Status) error {
	if err := s.redisClient.Set(ctx, fmt.Sprintf(StatusKeyTmpl, campaignID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("failed to set campaign status: %w", err)
	}
	s.logger.Debug("campaign status updated", zap.String("campaign_id", campaignID), zap.String("status", string(status)))
	return nil
}

// Canceled reports whether the campaign was marked canceled. A missing status
// is not a cancellation.
func (s *StatusStore) Canceled(ctx context.Context, campaignID string) (bool, error) {
	status, err := s.Status(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return status == StatusCanceled, nil
}

// TraceContexts returns the launcher's exported trace context and the one of
// the previous run. Missing keys are empty strings.
func (s *StatusStore) TraceContexts(ctx context.Context, campaignID string) (parent, previous string, err error) {
	values, err := s.redisClient.MGet(ctx,
		fmt.Sprintf(TraceCtxKeyTmpl, campaignID),
		fmt.Sprintf(RunTraceKeyTmpl, campaignID)).Result()
	if err != nil {
		return "", "", fmt.Errorf("failed to get trace contexts: %w", err)
	}
	parent, _ = values[0].(string)
	previous, _ = values[1].(string)
	return parent, previous, nil
}

// SetRunTrace records the trace context of the current run so the next run
// can link to it.
func (s *StatusStore) SetRunTrace(ctx context.Context, campaignID, exported string) error {
	if err := s.redisClient.Set(ctx, fmt.Sprintf(RunTraceKeyTmpl, campaignID), exported, 0).Err(); err != nil {
		return fmt.Errorf("failed to set run trace: %w", err)
	}
	return nil
}
