package seeds

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vmfuzz/internal/types"
	"vmfuzz/pkg/watchdog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const seedJSON = `{
  "caller": "0x00000000000000000000000000000000000a11ce",
  "target": "0x000000000000000000000000000000000000c0de",
  "payload": "0x0142",
  "start_id": 9
}`

func TestReadSeed(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "unlock.json")
	require.NoError(t, os.WriteFile(good, []byte(seedJSON), 0644))

	in, err := ReadSeed(good)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x42}, []byte(in.Payload))
	assert.Zero(t, in.StartID)
	assert.Nil(t, in.Start)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"payload": "0x"}`), 0644))
	_, err = ReadSeed(empty)
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{`), 0644))
	_, err = ReadSeed(broken)
	assert.Error(t, err)
}

func next(t *testing.T, ch <-chan types.SeedMessage) types.SeedMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "seed channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for seed")
	}
	return types.SeedMessage{}
}

func TestImporter(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.json")
	require.NoError(t, os.WriteFile(existing, []byte(seedJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	logger := zap.NewNop()
	importer, err := NewImporter(dir, watchdog.NewWatchDogFactory(logger).WithSettle(20*time.Millisecond), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, importer.Start(ctx))

	msg := next(t, importer.Seeds())
	assert.Equal(t, existing, msg.SeedFile)

	// write via rename so the create event sees a complete file
	tmp := filepath.Join(t.TempDir(), "dropped.json")
	require.NoError(t, os.WriteFile(tmp, []byte(seedJSON), 0644))
	dropped := filepath.Join(dir, "dropped.json")
	require.NoError(t, os.Rename(tmp, dropped))

	msg = next(t, importer.Seeds())
	assert.Equal(t, dropped, msg.SeedFile)
	assert.Equal(t, []byte{0x01, 0x42}, []byte(msg.Input.Payload))

	cancel()
	importer.Wait()
	_, ok := <-importer.Seeds()
	assert.False(t, ok)
}
