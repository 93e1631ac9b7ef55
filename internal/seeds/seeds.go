package seeds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vmfuzz/internal/types"
	"vmfuzz/pkg/telemetry"
	"vmfuzz/pkg/watchdog"

	"go.uber.org/zap"
)

// Importer turns JSON input files dropped into a directory into seed
// messages. Files already present when it starts are imported first.
type Importer struct {
	watchDogFactory *watchdog.WatchDogFactory
	logger          *zap.Logger

	seedFolder string
	seedChan   chan types.SeedMessage
	wg         sync.WaitGroup
}

func NewImporter(seedFolder string, watchDogFactory *watchdog.WatchDogFactory, logger *zap.Logger) (*Importer, error) {
	if err := os.MkdirAll(seedFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create seed folder: %w", err)
	}
	return &Importer{
		watchDogFactory: watchDogFactory,
		logger:          logger.Named("seeds"),
		seedFolder:      seedFolder,
		seedChan:        make(chan types.SeedMessage, 1024),
	}, nil
}

// Seeds is closed once the importer has stopped.
func (s *Importer) Seeds() <-chan types.SeedMessage { return s.seedChan }

// Start imports the existing files and then watches the folder until ctx is
// done.
func (s *Importer) Start(ctx context.Context) error {
	fileChan := make(chan string, 64)
	dog, err := s.watchDogFactory.New(ctx, fileChan, isSeedFile)
	if err != nil {
		return err
	}
	if err := dog.AddDir(s.seedFolder); err != nil {
		return err
	}

	tracer := telemetry.TracerFromContext(ctx).Spawn("seed import")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.SeedImport).
		WithExtraAttribute("vmfuzz.seed_dir", s.seedFolder))
	tracer.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.seedChan)
		imported := 0
		defer func() {
			tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("vmfuzz.seeds_imported", imported))
			tracer.End()
		}()

		entries, err := os.ReadDir(s.seedFolder)
		if err != nil {
			s.logger.Error("failed to list seed folder", zap.Error(err))
		}
		for _, entry := range entries {
			if entry.IsDir() || !isSeedFile(entry.Name()) {
				continue
			}
			if s.importFile(ctx, filepath.Join(s.seedFolder, entry.Name())) {
				imported++
			}
		}

		// the watchdog closes fileChan when ctx is done
		for path := range fileChan {
			if s.importFile(ctx, path) {
				imported++
			}
		}
	}()
	s.logger.Debug("seed importer started", zap.String("dir", s.seedFolder))
	return nil
}

// Wait blocks until the importer goroutine exited.
func (s *Importer) Wait() { s.wg.Wait() }

func (s *Importer) importFile(ctx context.Context, path string) bool {
	in, err := ReadSeed(path)
	if err != nil {
		s.logger.Warn("failed to read seed", zap.String("file", path), zap.Error(err))
		return false
	}
	select {
	case s.seedChan <- types.SeedMessage{SeedFile: path, Input: in}:
		s.logger.Debug("seed queued", zap.String("file", path))
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadSeed decodes one JSON input file. The start state is never part of a
// seed.
func ReadSeed(path string) (*types.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in types.Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("malformed seed: %w", err)
	}
	if len(in.Payload) == 0 && in.Value == nil {
		return nil, fmt.Errorf("seed has neither payload nor value")
	}
	return in.WithStart(nil, 0), nil
}

func isSeedFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}
