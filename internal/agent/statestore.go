package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StateStore persists the agent's two record sequences between process
// restarts. Implementations must make Save atomic: a crash mid-write may
// lose the in-flight mutation but never prior state.
type StateStore interface {
	SaveReadings(readings []Reading) error
	LoadReadings() ([]Reading, error)
	SaveAggregates(points []AggregatePoint) error
	LoadAggregates() ([]AggregatePoint, error)
}

const (
	readingsFile   = "readings.json"
	aggregatesFile = "aggregates.json"
)

// FileStore keeps each sequence in its own JSON file under a state
// directory, rewritten in full on every save via temp-file rename.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) SaveReadings(readings []Reading) error {
	return s.save(readingsFile, readings)
}

func (s *FileStore) LoadReadings() ([]Reading, error) {
	var readings []Reading
	if err := s.load(readingsFile, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

func (s *FileStore) SaveAggregates(points []AggregatePoint) error {
	return s.save(aggregatesFile, points)
}

func (s *FileStore) LoadAggregates() ([]AggregatePoint, error) {
	var points []AggregatePoint
	if err := s.load(aggregatesFile, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *FileStore) save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
