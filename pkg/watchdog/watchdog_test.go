package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchDogReportsSettledFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 8)
	factory := NewWatchDogFactory(zap.NewNop()).WithSettle(50 * time.Millisecond)
	dog, err := factory.New(ctx, notify, func(path string) bool {
		return strings.HasSuffix(path, ".json")
	})
	require.NoError(t, err)
	require.NoError(t, dog.AddDir(dir))

	// several writes to one file are reported once
	seed := filepath.Join(dir, "seed.json")
	f, err := os.Create(seed)
	require.NoError(t, err)
	_, err = f.WriteString(`{"payload":`)
	require.NoError(t, err)
	_, err = f.WriteString(`"0x01"}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case path := <-notify:
		assert.Equal(t, seed, path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for file")
	}
	select {
	case path := <-notify:
		t.Fatalf("unexpected second report %s", path)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-notify:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("notify channel not closed")
	}
}

func TestAddDirRejectsMissingDir(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dog, err := NewWatchDogFactory(zap.NewNop()).New(ctx, make(chan string), nil)
	require.NoError(t, err)
	assert.Error(t, dog.AddDir(filepath.Join(t.TempDir(), "missing")))
}
