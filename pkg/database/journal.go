package database

import (
	"context"

	"vmfuzz/internal/corpus"

	"gorm.io/gorm"
)

// Journal persists corpus mutations to the corpus_records table, one row per
// record, scoped to a campaign.
type Journal struct {
	db         *gorm.DB
	campaignID string
}

func NewJournal(db *gorm.DB, campaignID string) *Journal {
	return &Journal{db, campaignID}
}

func (j *Journal) Append(ctx context.Context, rec corpus.Record) error {
	return j.db.WithContext(ctx).Create(newCorpusRecord(j.campaignID, rec)).Error
}

func (j *Journal) Load(ctx context.Context, role corpus.Role) ([]corpus.Record, error) {
	var rows []CorpusRecord
	err := j.db.WithContext(ctx).
		Where("campaign_id = ? AND role = ?", j.campaignID, string(role)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]corpus.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out, nil
}

func (j *Journal) Close() error { return nil }

func newCorpusRecord(campaignID string, rec corpus.Record) *CorpusRecord {
	row := &CorpusRecord{
		CampaignID: campaignID,
		Role:       string(rec.Role),
		Op:         string(rec.Op),
		EntryID:    uint64(rec.ID),
		EntryKey:   rec.Key,
		Generation: rec.Generation,
		Votes:      rec.Votes,
		Visits:     rec.Visits,
		Payload:    rec.Payload,
		CreatedAt:  rec.Time,
	}
	if rec.Parent != nil {
		role, id := string(rec.Parent.Role), uint64(rec.Parent.ID)
		row.ParentRole, row.ParentID = &role, &id
	}
	return row
}

// Record converts the row back into the journal record it was made from.
func (row CorpusRecord) Record() corpus.Record {
	rec := corpus.Record{
		Role:       corpus.Role(row.Role),
		Op:         corpus.Op(row.Op),
		ID:         corpus.ID(row.EntryID),
		Key:        row.EntryKey,
		Generation: row.Generation,
		Votes:      row.Votes,
		Visits:     row.Visits,
		Payload:    row.Payload,
		Time:       row.CreatedAt,
	}
	if row.ParentRole != nil && row.ParentID != nil {
		rec.Parent = &corpus.ParentRef{Role: corpus.Role(*row.ParentRole), ID: corpus.ID(*row.ParentID)}
	}
	return rec
}
