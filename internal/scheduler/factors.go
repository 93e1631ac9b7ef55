package scheduler

import "vmfuzz/internal/corpus"

// Stat is the part of an entry the scoring factors look at.
type Stat struct {
	Votes  float64
	Visits uint64
	// Rank is the insertion rank within the snapshot, 0 for the oldest.
	Rank int
}

func stats[T any](entries []corpus.Entry[T]) []Stat {
	out := make([]Stat, len(entries))
	for i, e := range entries {
		out[i] = Stat{Votes: e.Votes, Visits: e.Visits, Rank: i}
	}
	return out
}

// Each factor scores every entry of a snapshot. A policy combines factors
// into one retention score per entry; lower scores are pruned first.
type factor interface {
	Score(entries []Stat) []float64
}

type weightedFactor struct {
	factor factor
	weight float64
}

// Policy ranks corpus entries for pruning.
type Policy interface {
	Name() string
	Score(entries []Stat) []float64
}

type factorPolicy struct {
	name    string
	factors []weightedFactor
}

func (p *factorPolicy) Name() string { return p.name }

func (p *factorPolicy) Score(entries []Stat) []float64 {
	final := make([]float64, len(entries))
	for _, wf := range p.factors {
		for i, score := range wf.factor.Score(entries) {
			final[i] += score * wf.weight
		}
	}
	return final
}

// VotesOnly ranks purely by accumulated votes.
func VotesOnly() Policy {
	return &factorPolicy{"votes", []weightedFactor{{&VoteFactor{}, 1}}}
}

// VoteRecency ranks by votes and gives younger entries a bonus of up to
// recencyWeight, so an old entry needs strictly more votes to outlive a
// fresh one.
func VoteRecency(recencyWeight float64) Policy {
	return &factorPolicy{"vote_recency", []weightedFactor{
		{&VoteFactor{}, 1},
		{&RecencyFactor{}, recencyWeight},
	}}
}

// VisitAdjusted ranks by votes per visit.
func VisitAdjusted() Policy {
	return &factorPolicy{"visit_adjusted", []weightedFactor{{&VisitFactor{}, 1}}}
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string, recencyWeight float64) (Policy, bool) {
	switch name {
	case "", "vote_recency":
		return VoteRecency(recencyWeight), true
	case "votes":
		return VotesOnly(), true
	case "visit_adjusted":
		return VisitAdjusted(), true
	}
	return nil, false
}

type VoteFactor struct{}

func (vf *VoteFactor) Score(entries []Stat) []float64 {
	score := make([]float64, len(entries))
	for idx, e := range entries {
		score[idx] = e.Votes
	}
	return score
}

// RecencyFactor maps insertion rank onto [0, 1).
type RecencyFactor struct{}

func (rf *RecencyFactor) Score(entries []Stat) []float64 {
	score := make([]float64, len(entries))
	if len(entries) == 0 {
		return score
	}
	for idx, e := range entries {
		score[idx] = float64(e.Rank) / float64(len(entries))
	}
	return score
}

type VisitFactor struct{}

func (vf *VisitFactor) Score(entries []Stat) []float64 {
	score := make([]float64, len(entries))
	for idx, e := range entries {
		score[idx] = e.Votes / float64(1+e.Visits)
	}
	return score
}
