package database

import (
	"context"
	"encoding/json"
	"time"

	"vmfuzz/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inserts multiple solution records, ignoring bugs already stored for the campaign
func AddSolutions(ctx context.Context, db *gorm.DB, solutions []*Solution) error {
	if len(solutions) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(solutions).Error
}

// replaces the stored reproduction of a bug with its minimized form
func UpdateSolution(ctx context.Context, db *gorm.DB, solution *Solution) error {
	return db.WithContext(ctx).
		Model(&Solution{}).
		Where("campaign_id = ? AND bug_idx = ? AND dedup_key = ?", solution.CampaignID, solution.BugIdx, solution.DedupKey).
		Updates(map[string]any{
			"steps":      solution.Steps,
			"minimized":  solution.Minimized,
			"artifact":   solution.Artifact,
			"updated_at": time.Now(),
		}).Error
}

// NewSolution creates a new Solution row from a found solution and its rendered artifact
func NewSolution(campaignID string, sol *types.Solution, artifact []byte) *Solution {
	steps, _ := types.SequenceSize(sol.Sequence)
	doc := Metric{}
	if err := json.Unmarshal(artifact, &doc); err != nil {
		doc = Metric{"raw": string(artifact)}
	}
	return &Solution{
		CampaignID:  campaignID,
		SolutionID:  sol.ID,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		BugIdx:      uint64(sol.Bug.BugIdx),
		BugKind:     sol.Bug.Kind,
		DedupKey:    sol.Bug.DedupKey,
		Oracle:      sol.Bug.Oracle,
		Description: sol.Bug.Description,
		Steps:       steps,
		Minimized:   sol.Minimized,
		Artifact:    doc,
	}
}

// Migrate creates or updates the tables used by vmfuzz
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CorpusRecord{}, &Solution{})
}
