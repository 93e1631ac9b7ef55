package report

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"vmfuzz/internal/types"
	"vmfuzz/internal/utils"
	"vmfuzz/pkg/database"
	"vmfuzz/pkg/mq"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink { return &LogSink{logger} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(_ context.Context, ev Event) error {
	steps, bytes := types.SequenceSize(ev.Solution.Sequence)
	s.logger.Info("solution",
		zap.String("event", string(ev.Kind)),
		zap.String("campaign_id", ev.CampaignID),
		zap.String("solution_id", ev.Solution.ID),
		zap.String("bug_kind", ev.Solution.Bug.Kind),
		zap.String("oracle", ev.Solution.Bug.Oracle),
		zap.String("dedup_key", ev.Solution.Bug.DedupKey),
		zap.String("description", ev.Solution.Bug.Description),
		zap.Int("steps", steps),
		zap.Int("payload_bytes", bytes),
		zap.Bool("minimized", ev.Solution.Minimized))
	return nil
}

// ArtifactSink stores each reproduction as an md5-named JSON file under
// <dir>/<campaign>/<bug kind>/ and bundles the bug's directory as tar.gz.
type ArtifactSink struct {
	dir string
}

func NewArtifactSink(dir string) (*ArtifactSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact folder: %w", err)
	}
	return &ArtifactSink{dir}, nil
}

func (s *ArtifactSink) Name() string { return "artifact" }

// ArtifactPath is where the reproduction of sol is written.
func (s *ArtifactSink) ArtifactPath(campaignID string, sol *types.Solution) (string, error) {
	data, err := artifact(sol)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return filepath.Join(s.dir, campaignID, sol.Bug.Kind, hex.EncodeToString(sum[:])+".json"), nil
}

func (s *ArtifactSink) Handle(_ context.Context, ev Event) error {
	data, err := artifact(ev.Solution)
	if err != nil {
		return err
	}
	path, err := s.ArtifactPath(ev.CampaignID, ev.Solution)
	if err != nil {
		return err
	}
	bugDir := filepath.Dir(path)
	if err := os.MkdirAll(bugDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact store directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	bundle := filepath.Join(s.dir, ev.CampaignID, ev.Solution.Bug.Kind+".tar.gz")
	if err := utils.CompressTarGz(bugDir, bundle); err != nil {
		return fmt.Errorf("failed to bundle artifacts: %w", err)
	}
	return nil
}

func artifact(sol *types.Solution) ([]byte, error) {
	if len(sol.Artifact) > 0 {
		return sol.Artifact, nil
	}
	return sol.BuildArtifact()
}

// DatabaseSink persists solutions through gorm.
type DatabaseSink struct {
	db *gorm.DB
}

func NewDatabaseSink(db *gorm.DB) *DatabaseSink { return &DatabaseSink{db} }

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) Handle(ctx context.Context, ev Event) error {
	data, err := artifact(ev.Solution)
	if err != nil {
		return err
	}
	row := database.NewSolution(ev.CampaignID, ev.Solution, data)
	if ev.Kind == SolutionMinimized {
		return database.UpdateSolution(ctx, s.db, row)
	}
	return database.AddSolutions(ctx, s.db, []*database.Solution{row})
}

const SolutionQueueName = "vmfuzz_solutions"

// QueueSink publishes a SolutionMessage for every event.
type QueueSink struct {
	rabbitMQ mq.RabbitMQ
	queue    string
}

func NewQueueSink(rabbitMQ mq.RabbitMQ) (*QueueSink, error) {
	if err := rabbitMQ.DeclareQueue(SolutionQueueName); err != nil {
		return nil, fmt.Errorf("failed to declare solution queue: %w", err)
	}
	return &QueueSink{rabbitMQ, SolutionQueueName}, nil
}

func (s *QueueSink) Name() string { return "queue" }

func (s *QueueSink) Handle(ctx context.Context, ev Event) error {
	data, err := artifact(ev.Solution)
	if err != nil {
		return err
	}
	steps, _ := types.SequenceSize(ev.Solution.Sequence)
	msg := types.SolutionMessage{
		CampaignID:  ev.CampaignID,
		SolutionID:  ev.Solution.ID,
		BugIdx:      ev.Solution.Bug.BugIdx,
		BugKind:     ev.Solution.Bug.Kind,
		Description: ev.Solution.Bug.Description,
		Minimized:   ev.Solution.Minimized,
		Steps:       steps,
		Artifact:    string(data),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal solution message: %w", err)
	}
	return s.rabbitMQ.Publish(ctx, s.queue, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
