package corpus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type StoreOptions[T any] struct {
	// VoteCeiling caps the votes of any entry. Zero means uncapped.
	VoteCeiling float64
	Journal     Journal
	Codec       Codec[T]
	Logger      *zap.Logger
}

// Store holds the entries of one role. All mutation is serialized per store.
type Store[T any] struct {
	role     Role
	registry *Registry
	ceiling  float64
	journal  Journal
	codec    Codec[T]
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[ID]*Entry[T]
	order   []ID
	byKey   map[string]ID
	pins    map[ID]int
	seq     uint64
}

func NewStore[T any](registry *Registry, role Role, opts StoreOptions[T]) *Store[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ceiling := opts.VoteCeiling
	if ceiling <= 0 {
		ceiling = math.MaxFloat64
	}
	s := &Store[T]{
		role:     role,
		registry: registry,
		ceiling:  ceiling,
		journal:  opts.Journal,
		codec:    opts.Codec,
		logger:   logger.With(zap.String("store", string(role))),
		entries:  make(map[ID]*Entry[T]),
		byKey:    make(map[string]ID),
		pins:     make(map[ID]int),
	}
	registry.register(s)
	return s
}

func (s *Store[T]) Role() Role { return s.role }

func (s *Store[T]) Registry() *Registry { return s.registry }

// Insert assigns a fresh id and appends the entry. If the entry's key is
// already present the existing id is returned and nothing changes.
func (s *Store[T]) Insert(e *Entry[T]) (ID, error) {
	if e.Parent != nil {
		s.registry.links.RLock()
		defer s.registry.links.RUnlock()
		if !s.registry.Exists(*e.Parent) {
			return 0, fmt.Errorf("%w: %s/%d", ErrParentNotFound, e.Parent.Role, e.Parent.ID)
		}
	}

	s.mu.Lock()
	if e.Key != "" {
		if id, ok := s.byKey[e.Key]; ok {
			s.mu.Unlock()
			return id, nil
		}
	}
	entry := *e
	entry.ID = s.registry.allocate()
	entry.Votes = s.clamp(entry.Votes)
	s.seq++
	entry.Seq = s.seq
	s.put(&entry)
	s.persist(OpInsert, &entry, true)
	s.mu.Unlock()
	return entry.ID, nil
}

func (s *Store[T]) put(e *Entry[T]) {
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	if e.Key != "" {
		s.byKey[e.Key] = e.ID
	}
}

func (s *Store[T]) clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > s.ceiling {
		return s.ceiling
	}
	return v
}

// Get returns a copy of the entry.
func (s *Store[T]) Get(id ID) (*Entry[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, s.role, id)
	}
	c := *e
	return &c, nil
}

// Lookup finds an entry id by dedup key.
func (s *Store[T]) Lookup(key string) (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	return id, ok
}

// Vote adds delta to the entry's votes, clamped to [0, ceiling].
func (s *Store[T]) Vote(id ID, delta float64) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrNotFound, s.role, id)
	}
	e.Votes = s.clamp(e.Votes + delta)
	s.persist(OpVote, e, false)
	s.mu.Unlock()
	return nil
}

// Visit increments the visit counter of an entry.
func (s *Store[T]) Visit(id ID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrNotFound, s.role, id)
	}
	e.Visits++
	s.persist(OpVisit, e, false)
	s.mu.Unlock()
	return nil
}

// Replace swaps the payload of an entry, keeping its counters and links.
func (s *Store[T]) Replace(id ID, payload T) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrNotFound, s.role, id)
	}
	e.Payload = payload
	s.persist(OpReplace, e, true)
	s.mu.Unlock()
	return nil
}

func (s *Store[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns copies of all entries in insertion order.
func (s *Store[T]) Snapshot() []Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store[T]) snapshotLocked() []Entry[T] {
	out := make([]Entry[T], 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

// Since returns the entries inserted after sequence number seq.
func (s *Store[T]) Since(seq uint64) []Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := sort.Search(len(s.order), func(i int) bool {
		return s.entries[s.order[i]].Seq > seq
	})
	out := make([]Entry[T], 0, len(s.order)-idx)
	for _, id := range s.order[idx:] {
		out = append(out, *s.entries[id])
	}
	return out
}

// LastSeq is the sequence number of the most recent insertion.
func (s *Store[T]) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Pin holds a live reference to an entry so compaction skips it.
func (s *Store[T]) Pin(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		s.pins[id]++
	}
}

func (s *Store[T]) Unpin(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[id] <= 1 {
		delete(s.pins, id)
		return
	}
	s.pins[id]--
}

// Selector picks the ids to remove from a consistent snapshot. live reports
// whether an entry still has referencing children or pins.
type Selector[T any] func(snapshot []Entry[T], live func(ID) bool) []ID

// Compact runs choose against a consistent snapshot and removes what it
// returns, except entries that still have live references. No insertion that
// creates a parent link can interleave with a compaction pass.
func (s *Store[T]) Compact(choose Selector[T]) []ID {
	s.registry.links.Lock()
	defer s.registry.links.Unlock()

	refs := s.registry.liveReferences()

	s.mu.Lock()
	live := func(id ID) bool {
		return refs[ParentRef{Role: s.role, ID: id}] > 0 || s.pins[id] > 0
	}
	candidates := choose(s.snapshotLocked(), live)

	removed := make([]ID, 0, len(candidates))
	drop := make(map[ID]struct{}, len(candidates))
	for _, id := range candidates {
		e, ok := s.entries[id]
		if !ok || live(id) {
			continue
		}
		if _, dup := drop[id]; dup {
			continue
		}
		drop[id] = struct{}{}
		delete(s.entries, id)
		if e.Key != "" {
			delete(s.byKey, e.Key)
		}
		removed = append(removed, id)
	}
	if len(drop) > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, gone := drop[id]; !gone {
				kept = append(kept, id)
			}
		}
		s.order = kept
	}
	for _, id := range removed {
		s.persist(OpRemove, &Entry[T]{ID: id}, false)
	}
	s.mu.Unlock()
	return removed
}

func (s *Store[T]) has(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Store[T]) references(refs map[ParentRef]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Parent != nil {
			refs[*e.Parent]++
		}
	}
}

// persist appends a journal record. Callers hold s.mu so records reach the
// journal in the order the mutations were applied. Journal failures are
// logged and never fail the in-memory mutation.
func (s *Store[T]) persist(op Op, e *Entry[T], withPayload bool) {
	if s.journal == nil {
		return
	}
	rec := Record{
		Role:       s.role,
		Op:         op,
		ID:         e.ID,
		Key:        e.Key,
		Parent:     e.Parent,
		Generation: e.Generation,
		Votes:      e.Votes,
		Visits:     e.Visits,
		Time:       time.Now(),
	}
	if withPayload && s.codec != nil {
		payload, err := s.codec.Encode(e.Payload)
		if err != nil {
			s.logger.Error("failed to encode corpus payload", zap.Uint64("id", uint64(e.ID)), zap.Error(err))
			return
		}
		rec.Payload = payload
	}
	if err := s.journal.Append(context.Background(), rec); err != nil {
		s.logger.Error("failed to journal corpus mutation",
			zap.String("op", string(op)),
			zap.Uint64("id", uint64(e.ID)),
			zap.Error(err))
	}
}

// Restore replays the journal into an empty store. Any record that cannot be
// applied fails the whole restore with a CorruptError naming this store.
func (s *Store[T]) Restore(ctx context.Context) (int, error) {
	if s.journal == nil || s.codec == nil {
		return 0, nil
	}
	records, err := s.journal.Load(ctx, s.role)
	if err != nil {
		return 0, &CorruptError{Store: s.role, Reason: "journal unreadable", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) != 0 {
		return 0, fmt.Errorf("restore into non-empty %s store", s.role)
	}

	for i, rec := range records {
		if rec.Role != s.role {
			return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d belongs to %q", i, rec.Role)}
		}
		switch rec.Op {
		case OpInsert:
			if _, dup := s.entries[rec.ID]; dup || rec.ID == 0 {
				return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d re-inserts id %d", i, rec.ID)}
			}
			payload, err := s.codec.Decode(rec.Payload)
			if err != nil {
				return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d payload", i), Err: err}
			}
			s.seq++
			s.put(&Entry[T]{
				ID:         rec.ID,
				Payload:    payload,
				Votes:      s.clamp(rec.Votes),
				Visits:     rec.Visits,
				Generation: rec.Generation,
				Parent:     rec.Parent,
				Key:        rec.Key,
				Seq:        s.seq,
			})
			s.registry.observe(rec.ID)
		case OpVote, OpVisit, OpReplace:
			e, ok := s.entries[rec.ID]
			if !ok {
				return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d updates unknown id %d", i, rec.ID)}
			}
			e.Votes = s.clamp(rec.Votes)
			e.Visits = rec.Visits
			if rec.Op == OpReplace {
				payload, err := s.codec.Decode(rec.Payload)
				if err != nil {
					return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d payload", i), Err: err}
				}
				e.Payload = payload
			}
		case OpRemove:
			e, ok := s.entries[rec.ID]
			if !ok {
				return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d removes unknown id %d", i, rec.ID)}
			}
			delete(s.entries, rec.ID)
			if e.Key != "" {
				delete(s.byKey, e.Key)
			}
			for j, id := range s.order {
				if id == rec.ID {
					s.order = append(s.order[:j], s.order[j+1:]...)
					break
				}
			}
		default:
			return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("record %d has unknown op %q", i, rec.Op)}
		}
	}

	// parents may legitimately disappear after their children, so links are
	// only checked for the entries that survived the replay
	for _, id := range s.order {
		parent := s.entries[id].Parent
		if parent == nil {
			continue
		}
		var ok bool
		if parent.Role == s.role {
			_, ok = s.entries[parent.ID]
		} else {
			ok = s.registry.Exists(*parent)
		}
		if !ok {
			return 0, &CorruptError{Store: s.role, Reason: fmt.Sprintf("entry %d has dangling parent %s/%d", id, parent.Role, parent.ID)}
		}
	}

	s.logger.Info("restored corpus store", zap.Int("records", len(records)), zap.Int("entries", len(s.entries)))
	return len(s.entries), nil
}

// Remove deletes the given entries unless they are still referenced.
func (s *Store[T]) Remove(ids ...ID) []ID {
	return s.Compact(func([]Entry[T], func(ID) bool) []ID { return ids })
}
