package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Project is the chat client's unit of grouping. Terminals hold a weak
// reference to their owning project: deleting a project never force-kills
// its terminals, but orphaned snapshots are not restored.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectStore manages the projects.json registry.
type ProjectStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewProjectStore(baseDir string) *ProjectStore {
	return &ProjectStore{baseDir: baseDir}
}

func (s *ProjectStore) configPath() string {
	return filepath.Join(s.baseDir, "projects.json")
}

func (s *ProjectStore) List() ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listUnlocked()
}

func (s *ProjectStore) Get(id string) (*Project, error) {
	projects, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project not found: %s", id)
}

// ProjectExists implements ProjectResolver.
func (s *ProjectStore) ProjectExists(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// Save creates or updates a project.
func (s *ProjectStore) Save(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.listUnlocked()
	if err != nil {
		return err
	}

	now := time.Now()
	p.UpdatedAt = now
	replaced := false
	for i, existing := range projects {
		if existing.ID == p.ID {
			p.CreatedAt = existing.CreatedAt
			projects[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		projects = append(projects, p)
	}

	return s.writeUnlocked(projects)
}

func (s *ProjectStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.listUnlocked()
	if err != nil {
		return err
	}
	out := projects[:0]
	for _, p := range projects {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return s.writeUnlocked(out)
}

func (s *ProjectStore) listUnlocked() ([]Project, error) {
	data, err := os.ReadFile(s.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Project{}, nil
		}
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to decode projects: %w", err)
	}
	return projects, nil
}

func (s *ProjectStore) writeUnlocked(projects []Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp := s.configPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write projects: %w", err)
	}
	if err := os.Rename(tmp, s.configPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename projects: %w", err)
	}
	return nil
}
