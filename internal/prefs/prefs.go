// Package prefs persists per-device UI preferences.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/starford/voicenotes/internal/storage"
)

// Prefs are the stored preferences.
type Prefs struct {
	DarkMode bool `yaml:"darkMode" json:"darkMode"`
}

// Store loads and saves Prefs in one file.
type Store struct {
	files storage.Provider
	path  string

	mu sync.Mutex
}

// NewStore creates a store for path within files.
func NewStore(files storage.Provider, path string) *Store {
	return &Store{files: files, path: path}
}

// Load returns the saved preferences, or the defaults when none were saved.
func (s *Store) Load() (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Prefs
	raw, err := s.files.Read(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Prefs{}, fmt.Errorf("prefs: decode %s: %w", s.path, err)
	}
	return p, nil
}

// Save replaces the saved preferences.
func (s *Store) Save(p Prefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}
	return s.files.Write(s.path, raw)
}
