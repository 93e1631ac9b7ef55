package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileJournal appends records as JSON lines to a single file shared by all
// stores of a corpus set.
type FileJournal struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &FileJournal{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Path() string { return j.path }

func (j *FileJournal) Append(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	return j.enc.Encode(rec)
}

// Load reads every record of the given role in append order. A line that does
// not decode is reported with its line number.
func (j *FileJournal) Load(ctx context.Context, role Role) ([]Record, error) {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	reader := bufio.NewReader(f)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			var rec Record
			if jerr := json.Unmarshal(raw, &rec); jerr != nil {
				// a torn final line is what a crash mid-append leaves behind
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("line %d: %w", line, jerr)
			}
			if rec.Role == role {
				out = append(out, rec)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// MemoryJournal keeps records in memory. Used by worker-private stores and
// tests.
type MemoryJournal struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) Append(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, role Role) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Record
	for _, rec := range j.records {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }
