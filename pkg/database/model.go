package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CorpusRecord is one journaled corpus mutation, in the public.corpus_records table.
type CorpusRecord struct {
	ID         int64           `gorm:"primaryKey;column:id;autoIncrement"`
	CampaignID string          `gorm:"column:campaign_id;not null;index:idx_corpus_campaign_role"`
	Role       string          `gorm:"column:role;not null;index:idx_corpus_campaign_role"`
	Op         string          `gorm:"column:op;not null"`
	EntryID    uint64          `gorm:"column:entry_id;not null"`
	EntryKey   string          `gorm:"column:entry_key"`
	ParentRole *string         `gorm:"column:parent_role"`
	ParentID   *uint64         `gorm:"column:parent_id"`
	Generation uint64          `gorm:"column:generation"`
	Votes      float64         `gorm:"column:votes"`
	Visits     uint64          `gorm:"column:visits"`
	Payload    json.RawMessage `gorm:"column:payload;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;default:now()"`
}

// Solution represents a record in the public.solutions table
type Solution struct {
	ID          int       `gorm:"primaryKey;column:id"`
	CampaignID  string    `gorm:"column:campaign_id;not null;uniqueIndex:idx_solution_bug"`
	SolutionID  string    `gorm:"column:solution_id;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
	BugIdx      uint64    `gorm:"column:bug_idx;not null;uniqueIndex:idx_solution_bug"`
	BugKind     string    `gorm:"column:bug_kind;not null"`
	DedupKey    string    `gorm:"column:dedup_key;not null;uniqueIndex:idx_solution_bug"`
	Oracle      string    `gorm:"column:oracle;not null"`
	Description string    `gorm:"column:description"`
	Steps       int       `gorm:"column:steps"`
	Minimized   bool      `gorm:"column:minimized"`
	Artifact    Metric    `gorm:"column:artifact;type:jsonb"`
}

// Metric represents a free-form jsonb column
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
