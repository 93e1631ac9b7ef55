package scheduler

import (
	"testing"

	"vmfuzz/internal/corpus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTxStore(t *testing.T) (*corpus.Registry, *corpus.Store[int]) {
	t.Helper()
	reg := corpus.NewRegistry()
	return reg, corpus.NewStore(reg, corpus.RoleTransaction, corpus.StoreOptions[int]{VoteCeiling: 100})
}

func trace(t *testing.T, seed int64) []int {
	t.Helper()
	_, store := newTxStore(t)
	for i, votes := range []float64{0, 1, 5, 10, 2} {
		_, err := store.Insert(&corpus.Entry[int]{Payload: i, Votes: votes})
		require.NoError(t, err)
	}
	s := New(store, Config{Seed: seed}, nil)

	var out []int
	for i := 0; i < 200; i++ {
		e, err := s.Next()
		require.NoError(t, err)
		out = append(out, e.Payload)
		if i%7 == 0 {
			require.NoError(t, s.Vote(e.ID, 1))
		}
	}
	return out
}

func TestSelectionIsDeterministic(t *testing.T) {
	assert.Equal(t, trace(t, 42), trace(t, 42))
	assert.NotEqual(t, trace(t, 42), trace(t, 43))
}

func TestNextFavoursVotes(t *testing.T) {
	_, store := newTxStore(t)
	low, _ := store.Insert(&corpus.Entry[int]{Payload: 0})
	high, _ := store.Insert(&corpus.Entry[int]{Payload: 1, Votes: 50})
	s := New(store, Config{Seed: 1, FloorWeight: 1}, nil)

	counts := map[corpus.ID]int{}
	for i := 0; i < 1000; i++ {
		e, err := s.Next()
		require.NoError(t, err)
		counts[e.ID]++
	}
	assert.Greater(t, counts[high], counts[low])
	assert.NotZero(t, counts[low], "floor weight keeps zero-vote entries reachable")

	e, err := store.Get(low)
	require.NoError(t, err)
	assert.Equal(t, uint64(counts[low]), e.Visits)
}

func TestNextOnEmptyStore(t *testing.T) {
	_, store := newTxStore(t)
	_, err := New(store, Config{}, nil).Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPruneKeepsHighestScoring(t *testing.T) {
	// three entries share the second lowest vote count; the earliest two of
	// them and the single lowest one go
	votes := []float64{5, 1, 7, 0, 1, 9, 3, 1, 8, 6, 4, 2, 10, 11, 12}

	for _, policy := range []Policy{VotesOnly(), VoteRecency(0.5)} {
		t.Run(policy.Name(), func(t *testing.T) {
			_, store := newTxStore(t)
			ids := make([]corpus.ID, len(votes))
			for i, v := range votes {
				id, err := store.Insert(&corpus.Entry[int]{Payload: i, Votes: v})
				require.NoError(t, err)
				ids[i] = id
			}
			s := New(store, Config{Capacity: 10, PruneFraction: 0.2, Policy: policy}, nil)

			removed := s.Prune()
			assert.ElementsMatch(t, []corpus.ID{ids[3], ids[1], ids[4]}, removed)
			assert.Equal(t, 12, store.Size())
		})
	}
}

func TestPruneBelowCapacityIsNoop(t *testing.T) {
	_, store := newTxStore(t)
	for i := 0; i < 5; i++ {
		_, err := store.Insert(&corpus.Entry[int]{Payload: i})
		require.NoError(t, err)
	}
	s := New(store, Config{Capacity: 5}, nil)
	assert.Empty(t, s.Prune())
	assert.Equal(t, 5, store.Size())
}

func TestPruneNeverRemovesLiveParent(t *testing.T) {
	reg := corpus.NewRegistry()
	infant := corpus.NewStore(reg, corpus.RoleInfant, corpus.StoreOptions[int]{})
	tx := corpus.NewStore(reg, corpus.RoleTransaction, corpus.StoreOptions[int]{})

	parent, err := infant.Insert(&corpus.Entry[int]{Payload: 0})
	require.NoError(t, err)
	var others []corpus.ID
	for i := 1; i <= 4; i++ {
		id, err := infant.Insert(&corpus.Entry[int]{Payload: i, Votes: float64(i)})
		require.NoError(t, err)
		others = append(others, id)
	}
	_, err = tx.Insert(&corpus.Entry[int]{Payload: 0, Parent: &corpus.ParentRef{Role: corpus.RoleInfant, ID: parent}})
	require.NoError(t, err)

	s := New(infant, Config{Capacity: 2, PruneFraction: 0.5, Policy: VotesOnly()}, nil)
	removed := s.Prune()
	assert.NotContains(t, removed, parent)
	assert.Equal(t, []corpus.ID{others[0], others[1]}, removed)
	assert.True(t, reg.Exists(corpus.ParentRef{Role: corpus.RoleInfant, ID: parent}))
}

func TestVisitAdjustedPolicy(t *testing.T) {
	p := VisitAdjusted()
	scores := p.Score([]Stat{{Votes: 4, Visits: 3}, {Votes: 2}})
	assert.Equal(t, []float64{1, 2}, scores)

	_, ok := PolicyByName("nope", 0)
	assert.False(t, ok)
}
