// Package index holds the persisted metadata index: typed records describing
// backup and restore subjects and their dated snapshots.
package index

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
)

// Map is one index kind keyed by subject identity (package or folder name).
// Callers serialize access to a given Map.
type Map[T any] map[string]*T

// Get returns the record for key, or nil.
func (m Map[T]) Get(key string) *T {
	return m[key]
}

// Remove deletes key. Removing a missing key is a no-op.
func (m Map[T]) Remove(key string) {
	delete(m, key)
}

// Upsert applies fn to the record for key, creating a zero record first when
// the key is new. It returns the record.
func (m Map[T]) Upsert(key string, fn func(*T)) *T {
	rec, ok := m[key]
	if !ok || rec == nil {
		rec = new(T)
		m[key] = rec
	}
	if fn != nil {
		fn(rec)
	}
	return rec
}

// Keys returns the keys in lexical order.
func (m Map[T]) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Files is the storage the index is read from and written to.
type Files interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// Store loads and saves index documents through Files.
type Store struct {
	files  Files
	logger *logging.Logger
}

// NewStore creates a store. A nil logger uses the process default.
func NewStore(files Files, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Store{files: files, logger: logger}
}

// Load parses the document at path. Missing or malformed documents yield an
// empty map; the failure is logged, never returned.
func Load[T any](s *Store, path string) Map[T] {
	m := make(Map[T])
	data, err := s.files.ReadFile(path)
	if err != nil {
		s.logger.Debug("Index %s not readable, starting empty: %v", path, err)
		return m
	}
	if len(data) == 0 {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warning("Index %s is malformed, starting empty: %v", path, err)
		return make(Map[T])
	}
	for k, v := range m {
		if k == "" || v == nil {
			delete(m, k)
		}
	}
	return m
}

// Save writes m to path as a single document. The last write wins.
func Save[T any](s *Store, path string, m Map[T]) error {
	if m == nil {
		m = make(Map[T])
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index %s: %w", path, err)
	}
	if err := s.files.WriteFile(path, data); err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}
	s.logger.Debug("Index saved: %s (%d subjects)", path, len(m))
	return nil
}

// PruneAppRestore removes packages without snapshots and returns their names.
func PruneAppRestore(m AppRestoreMap) []string {
	var removed []string
	for _, k := range m.Keys() {
		if len(m[k].Snapshots) == 0 {
			m.Remove(k)
			removed = append(removed, k)
		}
	}
	return removed
}

// PruneMediaRestore removes folders without snapshots and returns their names.
func PruneMediaRestore(m MediaRestoreMap) []string {
	var removed []string
	for _, k := range m.Keys() {
		if len(m[k].Snapshots) == 0 {
			m.Remove(k)
			removed = append(removed, k)
		}
	}
	return removed
}
