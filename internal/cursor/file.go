package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// FileConfig holds file store configuration.
type FileConfig struct {
	Dir      string
	Filename string
}

// ApplyDefaults sets default values for file store config.
func (c *FileConfig) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "./state"
	}
	if c.Filename == "" {
		c.Filename = "cursor.json"
	}
}

// FileStore keeps the cursor in a JSON file on local disk.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates the state directory if needed.
func NewFileStore(cfg FileConfig, logger *zap.Logger) (*FileStore, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, failure.Fatal("cursor.file", fmt.Errorf("failed to create cursor directory: %w", err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileStore{
		path:   filepath.Join(cfg.Dir, cfg.Filename),
		logger: logger,
	}, nil
}

// Path returns the full path to the cursor file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (record.Cursor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no existing cursor, fresh start", zap.String("path", s.path))
		return record.Cursor{}, nil
	}
	if err != nil {
		return record.Cursor{}, failure.Recoverable("cursor.load", fmt.Errorf("failed to read cursor file: %w", err))
	}

	var c record.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt cursor needs an operator; guessing a position could skip or
		// replay data.
		return record.Cursor{}, failure.Fatal("cursor.load", fmt.Errorf("failed to parse cursor file %s: %w", s.path, err))
	}
	return c, nil
}

// Save writes to a temp file and renames it over the cursor file.
func (s *FileStore) Save(ctx context.Context, c record.Cursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return failure.Fatal("cursor.save", fmt.Errorf("failed to marshal cursor: %w", err))
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return failure.Recoverable("cursor.save", fmt.Errorf("failed to create temp cursor: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return failure.Recoverable("cursor.save", fmt.Errorf("failed to write temp cursor: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return failure.Recoverable("cursor.save", fmt.Errorf("failed to sync temp cursor: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return failure.Recoverable("cursor.save", fmt.Errorf("failed to close temp cursor: %w", err))
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return failure.Recoverable("cursor.save", fmt.Errorf("failed to rename cursor: %w", err))
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
