// Package database keeps component snapshots as flat JSON files under a data directory, one
// directory per component.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	dircopy "github.com/otiai10/copy"
	"github.com/sasha-s/go-deadlock"
)

type Store struct {
	dir   string
	mutex *deadlock.Mutex
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, mutex: &deadlock.Mutex{}}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Open returns the named file of a component, false if it does not exist yet.
func (s *Store) Open(component, name string) (*os.File, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	f, err := os.Open(s.path(component, name))
	if err != nil {
		return nil, false
	}
	return f, true
}

// Write replaces the named file atomically.
func (s *Store) Write(component, name string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := os.MkdirAll(filepath.Join(s.dir, component), 0755); err != nil {
		return err
	}
	tmp := s.path(component, name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(component, name))
}

// Names lists the files stored for a component.
func (s *Store) Names(component string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, component))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(".json")])
	}
	return names, nil
}

// Backup copies the whole store to a sibling directory and returns its path.
func (s *Store) Backup(label string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	target := filepath.Join(filepath.Dir(filepath.Clean(s.dir)), "backups", fmt.Sprintf("%s-%d", label, time.Now().UnixNano()))
	if err := dircopy.Copy(s.dir, target); err != nil {
		return "", err
	}
	return target, nil
}

func (s *Store) path(component, name string) string {
	return filepath.Join(s.dir, component, name+".json")
}
