package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"vmfuzz/internal/types"
	"vmfuzz/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func solution() *types.Solution {
	in := types.NewInput(common.HexToAddress("0xa11ce"), common.HexToAddress("0xc0de"), nil, []byte{0x02}, nil, 0)
	return &types.Solution{
		ID:       "sol-1",
		Sequence: []*types.Input{in},
		Bug: &types.BugRecord{
			BugIdx:   types.BugReentrancy,
			Kind:     types.BugReentrancy.String(),
			DedupKey: "0xc0de:0x01",
			Oracle:   "reentrancy",
			Input:    in,
		},
	}
}

func TestManagerFansIn(t *testing.T) {
	failing := &recordingSink{err: errors.New("sink down")}
	recording := &recordingSink{}
	m := NewManager(zap.NewNop(), failing, NewLogSink(zap.NewNop()), recording)
	m.Start()

	a := make(chan Event)
	b := make(chan Event)
	m.RegisterEventChan(context.Background(), a)
	m.RegisterEventChan(context.Background(), b)

	go func() {
		a <- Event{Kind: BugFound, CampaignID: "a", Solution: solution()}
		close(a)
	}()
	go func() {
		b <- Event{Kind: BugFound, CampaignID: "b", Solution: solution()}
		b <- Event{Kind: SolutionMinimized, CampaignID: "b", Solution: solution()}
		close(b)
	}()
	m.Stop()

	// a failing sink does not keep events from the others
	assert.Len(t, failing.events, 3)
	assert.Len(t, recording.events, 3)
}

func TestArtifactSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewArtifactSink(dir)
	require.NoError(t, err)

	sol := solution()
	require.NoError(t, sink.Handle(context.Background(), Event{Kind: BugFound, CampaignID: "c-1", Solution: sol}))

	path, err := sink.ArtifactPath("c-1", sol)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c-1", "reentrancy"), filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"solution_id": "sol-1"`)

	bundle := filepath.Join(dir, "c-1", "reentrancy.tar.gz")
	assert.True(t, utils.IsTarGz(bundle))
	out := t.TempDir()
	require.NoError(t, utils.UnpackTarGz(bundle, out))
	assert.FileExists(t, filepath.Join(out, filepath.Base(path)))
}
