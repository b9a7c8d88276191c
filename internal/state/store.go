// Package state owns the durable mapping from profile name to configuration
// and last-known run state. All mutations are write-through: the JSON
// document on disk is atomically replaced before the call returns, so a
// crash after a successful response never loses the update.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
)

const stateFileName = "profiles.json"

// document is the persisted on-disk layout.
type document struct {
	Version   string              `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Profiles  map[string]*Profile `json:"profiles"`
}

// Store is the single source of truth for profiles. A global RWMutex keeps
// mutations atomic with respect to concurrent readers; no reader ever
// observes a torn write.
type Store struct {
	dataDir string
	path    string

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Open creates the data directory if needed and loads any existing state.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	s := &Store{
		dataDir:  dataDir,
		path:     filepath.Join(dataDir, stateFileName),
		profiles: make(map[string]*Profile),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DataDir returns the directory backing this store.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Get returns a copy of the named profile.
func (s *Store) Get(name string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[name]
	if !ok {
		return nil, buerrors.ProfileNotFound(name)
	}
	return p.Clone(), nil
}

// List returns copies of all profiles, sorted by name.
func (s *Store) List() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upsert creates or partially updates a profile. Omitted (nil) fields keep
// their prior values; Status and LastRun are never touched here.
func (s *Store) Upsert(name string, cfg ProfileConfig) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	prev := s.profiles[name]

	p := prev.Clone()
	if p == nil {
		p = &Profile{
			Name:      name,
			Status:    StatusConfigured,
			CreatedAt: now,
		}
	}
	if cfg.ProjectPath != nil {
		p.ProjectPath = *cfg.ProjectPath
	}
	if cfg.BuildCommand != nil {
		p.BuildCommand = *cfg.BuildCommand
	}
	if cfg.Environment != nil {
		p.Environment = cfg.Environment
	}
	if cfg.TimeoutSeconds != nil {
		p.TimeoutSeconds = *cfg.TimeoutSeconds
	}
	p.UpdatedAt = now

	s.profiles[name] = p
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return nil, err
	}
	return p.Clone(), nil
}

// Delete removes a profile. Watcher and queue cleanup happens in the
// facade; the store only owns persisted data.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.profiles[name]
	if !ok {
		return buerrors.ProfileNotFound(name)
	}
	delete(s.profiles, name)
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return err
	}
	return nil
}

// UpdateStatus transitions the named profile to status and lets mutate
// adjust the profile (typically its run record) under the store lock.
// The whole transition is persisted atomically or rolled back.
func (s *Store) UpdateStatus(name string, status Status, mutate func(*Profile)) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.profiles[name]
	if !ok {
		return nil, buerrors.ProfileNotFound(name)
	}

	p := prev.Clone()
	p.Status = status
	if mutate != nil {
		mutate(p)
	}
	p.UpdatedAt = time.Now().UTC()

	s.profiles[name] = p
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return nil, err
	}
	return p.Clone(), nil
}

// SetRebuildOnCompletion flips the rebuild flag. Setting it is idempotent.
func (s *Store) SetRebuildOnCompletion(name string, rebuild bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.profiles[name]
	if !ok {
		return buerrors.ProfileNotFound(name)
	}
	if prev.RebuildOnCompletion == rebuild {
		return nil
	}

	p := prev.Clone()
	p.RebuildOnCompletion = rebuild
	p.UpdatedAt = time.Now().UTC()

	s.profiles[name] = p
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return err
	}
	return nil
}

// ClearRebuildIfSet atomically clears the rebuild flag and reports whether
// it was set, so completion hooks re-enqueue exactly once.
func (s *Store) ClearRebuildIfSet(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.profiles[name]
	if !ok {
		return false, buerrors.ProfileNotFound(name)
	}
	if !prev.RebuildOnCompletion {
		return false, nil
	}

	p := prev.Clone()
	p.RebuildOnCompletion = false
	p.UpdatedAt = time.Now().UTC()

	s.profiles[name] = p
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return false, err
	}
	return true, nil
}

// SetAutobuild persists the autobuild toggle.
func (s *Store) SetAutobuild(name string, enabled bool) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.profiles[name]
	if !ok {
		return nil, buerrors.ProfileNotFound(name)
	}

	p := prev.Clone()
	p.AutobuildEnabled = enabled
	if !enabled {
		p.RebuildOnCompletion = false
	}
	p.UpdatedAt = time.Now().UTC()

	s.profiles[name] = p
	if err := s.saveLocked(); err != nil {
		s.rollback(name, prev)
		return nil, err
	}
	return p.Clone(), nil
}

func (s *Store) rollback(name string, prev *Profile) {
	if prev == nil {
		delete(s.profiles, name)
		return
	}
	s.profiles[name] = prev
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal state file %s: %w", s.path, err)
	}
	if doc.Profiles != nil {
		s.profiles = doc.Profiles
	}
	for name, p := range s.profiles {
		// The map key is authoritative.
		p.Name = name
	}
	return nil
}

// saveLocked writes the document atomically via temp file + rename. The
// caller must hold the write lock.
func (s *Store) saveLocked() error {
	doc := document{
		Version:   "1",
		UpdatedAt: time.Now().UTC(),
		Profiles:  s.profiles,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return buerrors.PersistenceFailure("marshal", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return buerrors.PersistenceFailure("write", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return buerrors.PersistenceFailure("rename", err)
	}
	return nil
}
