package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// BugIdx identifies a vulnerability class.
type BugIdx uint64

const (
	BugReentrancy BugIdx = iota + 1
	BugBalanceDrain
	BugSelfDestruct
	BugTyped
	BugInvariant
)

func (b BugIdx) String() string {
	switch b {
	case BugReentrancy:
		return "reentrancy"
	case BugBalanceDrain:
		return "balance_drain"
	case BugSelfDestruct:
		return "selfdestruct"
	case BugTyped:
		return "typed_bug"
	case BugInvariant:
		return "invariant_violation"
	default:
		return fmt.Sprintf("bug_%d", uint64(b))
	}
}

// BugRecord is a confirmed, deduplicated finding.
type BugRecord struct {
	BugIdx      BugIdx    `json:"bug_idx"`
	Kind        string    `json:"bug_kind"`
	DedupKey    string    `json:"dedup_key"`
	Description string    `json:"description"`
	Oracle      string    `json:"oracle"`
	Input       *Input    `json:"input"`
	CorpusRef   EntryID   `json:"corpus_ref"`
	FoundAt     time.Time `json:"found_at"`
}

// Key is the deduplication identity of the record.
func (b *BugRecord) Key() string {
	return fmt.Sprintf("%d:%s", uint64(b.BugIdx), b.DedupKey)
}

// Solution is a reproducible input sequence for a BugRecord.
type Solution struct {
	ID        string     `json:"id"`
	Sequence  []*Input   `json:"sequence"`
	Bug       *BugRecord `json:"bug"`
	Minimized bool       `json:"minimized"`
	Artifact  []byte     `json:"-"`
}

type reproduction struct {
	SolutionID  string   `json:"solution_id"`
	BugIdx      BugIdx   `json:"bug_idx"`
	BugKind     string   `json:"bug_kind"`
	Oracle      string   `json:"oracle"`
	Description string   `json:"description"`
	Minimized   bool     `json:"minimized"`
	Steps       []*Input `json:"steps"`
}

// BuildArtifact renders the standalone reproduction document and stores it on s.
func (s *Solution) BuildArtifact() ([]byte, error) {
	doc := reproduction{
		SolutionID:  s.ID,
		BugIdx:      s.Bug.BugIdx,
		BugKind:     s.Bug.Kind,
		Oracle:      s.Bug.Oracle,
		Description: s.Bug.Description,
		Minimized:   s.Minimized,
		Steps:       s.Sequence,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render reproduction: %w", err)
	}
	s.Artifact = data
	return data, nil
}
