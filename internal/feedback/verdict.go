package feedback

import (
	"vmfuzz/internal/corpus"
	"vmfuzz/internal/types"
)

// Tier is the most significant classifier that accepted an execution.
type Tier int

const (
	TierNone Tier = iota
	TierState
	TierCoverage
	TierOracle
)

func (t Tier) String() string {
	switch t {
	case TierState:
		return "state"
	case TierCoverage:
		return "coverage"
	case TierOracle:
		return "solution"
	default:
		return "none"
	}
}

// StateOutcome is what the infant tier decided.
type StateOutcome struct {
	Interesting   bool
	Improvements  int
	NovelHash     bool
	Suspended     bool
	Infant        corpus.ID // inserted infant entry, zero if none
	AncestorVotes float64
}

// CoverageOutcome is what the coverage tier decided.
type CoverageOutcome struct {
	NewEdges    int
	Transaction corpus.ID // inserted transaction entry, zero if none
	Votes       float64
}

// Verdict is the pipeline's classification of one execution.
type Verdict struct {
	Tier     Tier
	Reverted bool
	State    StateOutcome
	Findings []*types.BugRecord
	Coverage CoverageOutcome
}

func (v *Verdict) Interesting() bool {
	return v.Tier != TierNone
}

func (v *Verdict) Solution() bool {
	return v.Tier == TierOracle
}
