package corpus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) (*Registry, *Store[string], *Store[string]) {
	t.Helper()
	reg := NewRegistry()
	tx := NewStore(reg, RoleTransaction, StoreOptions[string]{VoteCeiling: 10})
	infant := NewStore(reg, RoleInfant, StoreOptions[string]{VoteCeiling: 10})
	return reg, tx, infant
}

func TestInsertAndGet(t *testing.T) {
	_, tx, infant := newStores(t)

	a, err := tx.Insert(&Entry[string]{Payload: "a", Votes: 3, Key: "a"})
	require.NoError(t, err)
	b, err := infant.Insert(&Entry[string]{Payload: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	got, err := tx.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Payload)
	assert.Equal(t, 3.0, got.Votes)

	again, err := tx.Insert(&Entry[string]{Payload: "a2", Key: "a"})
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, 1, tx.Size())

	_, err = tx.Get(b)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVotesAreClamped(t *testing.T) {
	_, tx, _ := newStores(t)
	id, err := tx.Insert(&Entry[string]{Payload: "a", Votes: 50})
	require.NoError(t, err)

	e, _ := tx.Get(id)
	assert.Equal(t, 10.0, e.Votes)

	require.NoError(t, tx.Vote(id, -100))
	e, _ = tx.Get(id)
	assert.Equal(t, 0.0, e.Votes)

	require.NoError(t, tx.Vote(id, 2.5))
	require.NoError(t, tx.Visit(id))
	e, _ = tx.Get(id)
	assert.Equal(t, 2.5, e.Votes)
	assert.Equal(t, uint64(1), e.Visits)

	assert.ErrorIs(t, tx.Vote(999, 1), ErrNotFound)
}

func TestInsertRequiresParent(t *testing.T) {
	_, tx, infant := newStores(t)

	_, err := infant.Insert(&Entry[string]{Payload: "x", Parent: &ParentRef{Role: RoleInfant, ID: 42}})
	assert.ErrorIs(t, err, ErrParentNotFound)

	_, err = infant.Insert(&Entry[string]{Payload: "x", Parent: &ParentRef{Role: RoleSolution, ID: 1}})
	assert.ErrorIs(t, err, ErrParentNotFound)

	root, err := infant.Insert(&Entry[string]{Payload: "root"})
	require.NoError(t, err)
	_, err = tx.Insert(&Entry[string]{Payload: "child", Parent: &ParentRef{Role: RoleInfant, ID: root}})
	require.NoError(t, err)
}

func TestCompactKeepsLiveParents(t *testing.T) {
	reg, tx, infant := newStores(t)

	parent, err := infant.Insert(&Entry[string]{Payload: "parent"})
	require.NoError(t, err)
	lonely, err := infant.Insert(&Entry[string]{Payload: "lonely"})
	require.NoError(t, err)
	pinned, err := infant.Insert(&Entry[string]{Payload: "pinned"})
	require.NoError(t, err)
	child, err := tx.Insert(&Entry[string]{Payload: "child", Parent: &ParentRef{Role: RoleInfant, ID: parent}})
	require.NoError(t, err)
	infant.Pin(pinned)

	assert.Equal(t, 1, reg.Children(ParentRef{Role: RoleInfant, ID: parent}))

	all := func(snapshot []Entry[string], _ func(ID) bool) []ID {
		ids := make([]ID, 0, len(snapshot))
		for _, e := range snapshot {
			ids = append(ids, e.ID)
		}
		return ids
	}
	removed := infant.Compact(all)
	assert.Equal(t, []ID{lonely}, removed)
	assert.Equal(t, 2, infant.Size())

	// once the child is gone the parent can go too
	assert.Equal(t, []ID{child}, tx.Remove(child))
	infant.Unpin(pinned)
	assert.ElementsMatch(t, []ID{parent, pinned}, infant.Compact(all))
	assert.Zero(t, infant.Size())
}

func TestSnapshotAndSince(t *testing.T) {
	_, tx, _ := newStores(t)
	for _, p := range []string{"a", "b", "c"} {
		_, err := tx.Insert(&Entry[string]{Payload: p})
		require.NoError(t, err)
	}
	mark := tx.LastSeq()
	_, err := tx.Insert(&Entry[string]{Payload: "d"})
	require.NoError(t, err)

	snap := tx.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "a", snap[0].Payload)
	assert.Equal(t, "d", snap[3].Payload)

	fresh := tx.Since(mark)
	require.Len(t, fresh, 1)
	assert.Equal(t, "d", fresh[0].Payload)
}

// Inserts racing a compaction must never leave a child pointing at a removed
// parent.
func TestConcurrentInsertAndCompact(t *testing.T) {
	_, tx, infant := newStores(t)
	var roots []ID
	for i := 0; i < 50; i++ {
		id, err := infant.Insert(&Entry[string]{Payload: "root"})
		require.NoError(t, err)
		roots = append(roots, id)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, r := range roots {
			_, err := tx.Insert(&Entry[string]{Payload: "child", Parent: &ParentRef{Role: RoleInfant, ID: r}})
			if err != nil && !errors.Is(err, ErrParentNotFound) {
				t.Errorf("unexpected insert error: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			infant.Compact(func(snapshot []Entry[string], _ func(ID) bool) []ID {
				ids := make([]ID, 0, len(snapshot))
				for _, e := range snapshot {
					ids = append(ids, e.ID)
				}
				return ids
			})
		}
	}()
	wg.Wait()

	for _, e := range tx.Snapshot() {
		_, err := infant.Get(e.Parent.ID)
		assert.NoError(t, err, "child %d lost its parent", e.ID)
	}
}
