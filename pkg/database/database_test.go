package database

import (
	"encoding/json"
	"testing"
	"time"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorpusRecordRoundTrip(t *testing.T) {
	rec := corpus.Record{
		Role:       corpus.RoleTransaction,
		Op:         corpus.OpInsert,
		ID:         12,
		Key:        "0xabc",
		Parent:     &corpus.ParentRef{Role: corpus.RoleInfant, ID: 3},
		Generation: 2,
		Votes:      4.5,
		Visits:     9,
		Payload:    json.RawMessage(`{"payload":"0x01"}`),
		Time:       time.Unix(1700000000, 0).UTC(),
	}
	row := newCorpusRecord("c-1", rec)
	assert.Equal(t, "c-1", row.CampaignID)
	require.NotNil(t, row.ParentRole)
	assert.Equal(t, "infant", *row.ParentRole)
	assert.Equal(t, rec, row.Record())

	rec.Parent = nil
	row = newCorpusRecord("c-1", rec)
	assert.Nil(t, row.ParentRole)
	assert.Nil(t, row.ParentID)
	assert.Nil(t, row.Record().Parent)
}

func TestNewSolution(t *testing.T) {
	in := types.NewInput(common.HexToAddress("0xa11ce"), common.HexToAddress("0xc0de"), nil, []byte{0x02}, nil, 0)
	sol := &types.Solution{
		ID:       "s-1",
		Sequence: []*types.Input{in},
		Bug: &types.BugRecord{
			BugIdx:   types.BugReentrancy,
			Kind:     "reentrancy",
			DedupKey: "0xc0de",
			Oracle:   "reentrancy",
			Input:    in,
		},
	}

	row := NewSolution("c-1", sol, []byte(`{"steps":[]}`))
	assert.Equal(t, uint64(types.BugReentrancy), row.BugIdx)
	assert.Equal(t, 1, row.Steps)
	assert.Equal(t, Metric{"steps": []any{}}, row.Artifact)

	row = NewSolution("c-1", sol, []byte("not json"))
	assert.Equal(t, Metric{"raw": "not json"}, row.Artifact)
}
