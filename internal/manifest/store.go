// Package manifest persists per-file bookkeeping between runs and decides
// which tracked files need reprocessing.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"sitecache/internal/model"
	"sitecache/internal/runstore"
)

const DefaultFileName = "manifest.json"

// Store loads and saves the manifest document. The document is rewritten in
// full on every save, so callers read-modify-write it once per run.
type Store struct {
	Path string
	Log  zerolog.Logger
	Now  func() time.Time
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{Path: path, Log: log, Now: time.Now}
}

// Load never fails: a missing or unreadable manifest yields an empty one.
func (s *Store) Load() model.Manifest {
	now := s.now()
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.Log.Debug().Str("path", s.Path).Msg("no manifest yet, starting empty")
		} else {
			s.Log.Warn().Err(err).Str("path", s.Path).Msg("manifest unreadable, starting empty")
		}
		return model.NewManifest(now)
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		s.Log.Warn().Err(err).Str("path", s.Path).Msg("manifest corrupt, starting empty")
		return model.NewManifest(now)
	}
	if m.Files == nil {
		m.Files = map[string]model.ManifestEntry{}
	}
	if m.LastRun.IsZero() {
		m.LastRun = now.UTC()
	}
	return m
}

func (s *Store) Save(m model.Manifest) error {
	if m.Files == nil {
		m.Files = map[string]model.ManifestEntry{}
	}
	if err := runstore.WriteJSON(s.Path, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Key is the manifest key for a file: its absolute, cleaned path.
func Key(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
