// Package file keeps the aggregation checkpoint in a local JSON file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

type Store struct {
	path   string
	mu     sync.Mutex
	logger pipeline.Logger
}

var _ pipeline.CheckpointStore = (*Store)(nil)
var _ pipeline.Loggable = (*Store)(nil)

func New(path string) *Store {
	if path == "" {
		panic("path is mandatory")
	}
	return &Store{
		path:   path,
		logger: &pipeline.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l pipeline.Logger) {
	s.logger = l
}

// LoadCheckpoint reads the checkpoint file. A missing or empty file means no
// checkpoint was saved yet.
func (s *Store) LoadCheckpoint(_ context.Context) (*pipeline.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, pipeline.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the checkpoint file: %w", err)
	}

	var c pipeline.Checkpoint
	if err := jsonAPI.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", pipeline.ErrCheckpointCorrupt, s.path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.LastProcessedTimestamp = c.LastProcessedTimestamp.UTC()
	return &c, nil
}

// SaveCheckpoint writes the checkpoint to a temporary file in the same
// directory and renames it over the previous one, so readers never observe a
// partial write.
func (s *Store) SaveCheckpoint(_ context.Context, c *pipeline.Checkpoint) error {
	data, err := jsonAPI.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not encode the checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	s.logger.Debug(fmt.Sprintf("checkpoint written to %s", s.path))
	return nil
}
