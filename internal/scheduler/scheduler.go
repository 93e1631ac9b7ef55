package scheduler

import (
	"errors"
	"math"
	"sort"
	"sync"

	"vmfuzz/internal/corpus"

	"go.uber.org/zap"
)

var ErrEmpty = errors.New("corpus is empty")

type Config struct {
	Seed int64
	// FloorWeight is the minimum selection weight, so zero-vote entries are
	// still drawn occasionally.
	FloorWeight   float64
	PruneFraction float64
	// Capacity is the size above which Prune removes entries. Zero disables
	// pruning.
	Capacity int
	Policy   Policy
}

func (c Config) withDefaults() Config {
	if c.FloorWeight <= 0 {
		c.FloorWeight = 0.1
	}
	if c.PruneFraction <= 0 || c.PruneFraction > 1 {
		c.PruneFraction = 0.2
	}
	if c.Policy == nil {
		c.Policy = VoteRecency(0.5)
	}
	return c
}

// Scheduler selects entries from one store by votes and prunes it when it
// grows past capacity. The transaction and infant corpora each get their own.
type Scheduler[T any] struct {
	store  *corpus.Store[T]
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	picker *picker
}

func New[T any](store *corpus.Store[T], config Config, logger *zap.Logger) *Scheduler[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	return &Scheduler[T]{
		store:  store,
		config: config,
		logger: logger.With(zap.String("scheduler", string(store.Role()))),
		picker: newPicker(config.Seed, config.FloorWeight),
	}
}

func (s *Scheduler[T]) Store() *corpus.Store[T] { return s.store }

// Next draws an entry with probability proportional to max(votes, floor)
// and records the visit.
func (s *Scheduler[T]) Next() (*corpus.Entry[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.store.Snapshot()
	if len(snapshot) == 0 {
		return nil, ErrEmpty
	}
	votes := make([]float64, len(snapshot))
	for i, e := range snapshot {
		votes[i] = e.Votes
	}
	chosen := snapshot[s.picker.pick(votes)]

	if err := s.store.Visit(chosen.ID); err != nil {
		// pruned between snapshot and visit; the caller retries
		return nil, err
	}
	chosen.Visits++
	return &chosen, nil
}

func (s *Scheduler[T]) Vote(id corpus.ID, delta float64) error {
	return s.store.Vote(id, delta)
}

// Prune removes floor(size*fraction) entries, at least one, once the store
// exceeds capacity. Lowest scores go first and ties are broken by earliest
// insertion. Entries that still have live children or pins are skipped and
// the next candidate is taken instead.
func (s *Scheduler[T]) Prune() []corpus.ID {
	if s.config.Capacity <= 0 || s.store.Size() <= s.config.Capacity {
		return nil
	}
	removed := s.store.Compact(func(snapshot []corpus.Entry[T], live func(corpus.ID) bool) []corpus.ID {
		if len(snapshot) <= s.config.Capacity {
			return nil
		}
		return s.victims(snapshot, live)
	})
	if len(removed) > 0 {
		s.logger.Debug("pruned corpus",
			zap.Int("removed", len(removed)),
			zap.Int("size", s.store.Size()),
			zap.String("policy", s.config.Policy.Name()))
	}
	return removed
}

func (s *Scheduler[T]) victims(snapshot []corpus.Entry[T], live func(corpus.ID) bool) []corpus.ID {
	n := int(math.Floor(float64(len(snapshot)) * s.config.PruneFraction))
	if n < 1 {
		n = 1
	}
	scores := s.config.Policy.Score(stats(snapshot))

	// snapshot is already in insertion order, so a stable sort keeps the
	// earliest entry first among equal scores
	order := make([]int, len(snapshot))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})

	out := make([]corpus.ID, 0, n)
	for _, idx := range order {
		if len(out) == n {
			break
		}
		if live(snapshot[idx].ID) {
			continue
		}
		out = append(out, snapshot[idx].ID)
	}
	return out
}
