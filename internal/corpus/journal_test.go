package corpus

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "corpus", "journal.jsonl")
	journal, err := NewFileJournal(path)
	require.NoError(t, err)

	reg := NewRegistry()
	opts := StoreOptions[string]{VoteCeiling: 100, Journal: journal, Codec: JSONCodec[string]{}}
	infant := NewStore(reg, RoleInfant, opts)
	tx := NewStore(reg, RoleTransaction, opts)

	root, err := infant.Insert(&Entry[string]{Payload: "root", Key: "r"})
	require.NoError(t, err)
	gone, err := infant.Insert(&Entry[string]{Payload: "gone"})
	require.NoError(t, err)
	child, err := tx.Insert(&Entry[string]{Payload: "child", Votes: 2, Parent: &ParentRef{Role: RoleInfant, ID: root}})
	require.NoError(t, err)
	require.NoError(t, tx.Vote(child, 3))
	require.NoError(t, tx.Visit(child))
	require.Equal(t, []ID{gone}, infant.Remove(gone))
	require.NoError(t, journal.Close())

	reopened, err := NewFileJournal(path)
	require.NoError(t, err)
	defer reopened.Close()

	reg2 := NewRegistry()
	opts.Journal = reopened
	infant2 := NewStore(reg2, RoleInfant, opts)
	tx2 := NewStore(reg2, RoleTransaction, opts)

	n, err := infant2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tx2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := tx2.Get(child)
	require.NoError(t, err)
	assert.Equal(t, "child", e.Payload)
	assert.Equal(t, 5.0, e.Votes)
	assert.Equal(t, uint64(1), e.Visits)
	assert.Equal(t, root, e.Parent.ID)

	id, ok := infant2.Lookup("r")
	assert.True(t, ok)
	assert.Equal(t, root, id)

	fresh, err := tx2.Insert(&Entry[string]{Payload: "new"})
	require.NoError(t, err)
	assert.Greater(t, fresh, child)
}

func TestRestoreReportsCorruptStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	lines := `{"role":"infant","op":"insert","id":1,"payload":"\"a\""}
{"role":"transaction","op":"vote","id":7,"votes":1}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))
	journal, err := NewFileJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	reg := NewRegistry()
	opts := StoreOptions[string]{Journal: journal, Codec: JSONCodec[string]{}}
	infant := NewStore(reg, RoleInfant, opts)
	tx := NewStore(reg, RoleTransaction, opts)

	_, err = infant.Restore(ctx)
	require.NoError(t, err)

	_, err = tx.Restore(ctx)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, RoleTransaction, corrupt.Store)
}

func TestRestoreRejectsDanglingParent(t *testing.T) {
	journal := NewMemoryJournal()
	ctx := context.Background()
	require.NoError(t, journal.Append(ctx, Record{
		Role: RoleTransaction, Op: OpInsert, ID: 3,
		Parent:  &ParentRef{Role: RoleInfant, ID: 99},
		Payload: []byte(`"x"`),
	}))

	reg := NewRegistry()
	opts := StoreOptions[string]{Journal: journal, Codec: JSONCodec[string]{}}
	NewStore(reg, RoleInfant, opts)
	tx := NewStore(reg, RoleTransaction, opts)

	_, err := tx.Restore(ctx)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, RoleTransaction, corrupt.Store)
}

func TestFileJournalRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0644))
	journal, err := NewFileJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	_, err = journal.Load(context.Background(), RoleInfant)
	assert.Error(t, err)
}

// slowJournal records the ops it sees and stalls on inserts.
type slowJournal struct {
	mu  sync.Mutex
	ops []Op
}

func (j *slowJournal) Append(_ context.Context, rec Record) error {
	if rec.Op == OpInsert {
		time.Sleep(20 * time.Millisecond)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, rec.Op)
	return nil
}

func (j *slowJournal) Load(context.Context, Role) ([]Record, error) { return nil, nil }

func (j *slowJournal) Close() error { return nil }

func TestJournalFollowsMutationOrder(t *testing.T) {
	journal := &slowJournal{}
	store := NewStore(NewRegistry(), RoleTransaction, StoreOptions[string]{Journal: journal, Codec: JSONCodec[string]{}})

	voted := make(chan error, 1)
	go func() {
		for {
			if id, ok := store.Lookup("a"); ok {
				voted <- store.Vote(id, 1)
				return
			}
			runtime.Gosched()
		}
	}()

	_, err := store.Insert(&Entry[string]{Payload: "a", Key: "a"})
	require.NoError(t, err)
	require.NoError(t, <-voted)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []Op{OpInsert, OpVote}, journal.ops)
}
