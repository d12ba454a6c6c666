package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gofrs/flock"
)

var (
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrInvalidInstanceID = errors.New("invalid instance id")
	ErrSnapshotTooLarge  = errors.New("snapshot file too large")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed for snapshot files")
	ErrStoreLocked       = errors.New("snapshot store locked by another process")
)

const maxSnapshotFileSize = 10 * 1024 * 1024 // 10MB

var instanceIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateInstanceID(id string) error {
	if !instanceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidInstanceID, id)
	}
	return nil
}

// Store keeps one JSON file per instance under <baseDir>/terminals. Writes
// are atomic (temp file + rename) and the directory is flocked so two
// application processes cannot fight over the same snapshots.
type Store struct {
	dir  string
	lock *flock.Flock
	mu   sync.RWMutex
}

func NewStore(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, "terminals")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	if info, err := os.Stat(dir); err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(dir, 0o700)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock snapshot store: %w", err)
	}
	if !held {
		return nil, ErrStoreLocked
	}

	return &Store{dir: dir, lock: lock}, nil
}

// Close releases the store lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) Save(snap Snapshot) error {
	if err := validateInstanceID(snap.InstanceID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	f, err := os.CreateTemp(s.dir, snap.InstanceID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	f = nil

	if err := os.Rename(tmpName, s.path(snap.InstanceID)); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (s *Store) Load(id string) (Snapshot, error) {
	if err := validateInstanceID(id); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadUnlocked(id)
}

func (s *Store) loadUnlocked(id string) (Snapshot, error) {
	path := s.path(id)

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, id)
	}
	if info.Size() > maxSnapshotFileSize {
		return Snapshot{}, fmt.Errorf("%w: %s (%d bytes)", ErrSnapshotTooLarge, id, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	if snap.InstanceID == "" {
		snap.InstanceID = id
	}
	return snap, nil
}

func (s *Store) Delete(id string) error {
	if err := validateInstanceID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List loads every readable snapshot; unreadable files are skipped so one
// corrupt record never blocks a restore.
func (s *Store) List() ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-5]
		if err := validateInstanceID(id); err != nil {
			continue
		}
		snap, err := s.loadUnlocked(id)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
