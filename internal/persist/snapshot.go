// Package persist bridges process lifetime to UI lifetime: terminals
// survive tab switches by staying alive, and survive application restarts
// by replaying a persisted transcript into fresh processes.
package persist

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/pool"
)

// Snapshot is the on-disk record for one instance: the visible screen at
// capture time plus enough creation config to rebuild a matching instance.
type Snapshot struct {
	InstanceID     string    `json:"instance_id"`
	BufferContent  string    `json:"buffer_content"`
	CursorX        int       `json:"cursor_x"`
	CursorY        int       `json:"cursor_y"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	Shell          string    `json:"shell,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	OwnerProjectID string    `json:"owner_project_id,omitempty"`
	LastActive     time.Time `json:"last_active"`
}

// ProjectResolver answers whether an owner project still exists. Snapshots
// whose project is gone are stale.
type ProjectResolver interface {
	ProjectExists(id string) bool
}

type Manager struct {
	store    *Store
	pool     *pool.Manager
	projects ProjectResolver
	log      *zap.Logger

	// Interval between periodic captures; zero means capture only at
	// orderly shutdown.
	Interval time.Duration
}

func NewManager(store *Store, pm *pool.Manager, projects ProjectResolver, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, pool: pm, projects: projects, log: log}
}

// Capture reads an instance's screen into a snapshot. Pure read; the
// instance is not mutated.
func (m *Manager) Capture(inst *pool.Instance) (Snapshot, error) {
	surface := inst.Surface()
	if surface == nil {
		return Snapshot{}, errors.New("instance has no surface")
	}
	snap := surface.Snapshot()
	if snap.Rows == 0 || snap.Cols == 0 {
		return Snapshot{}, errors.New("screen not readable")
	}
	return Snapshot{
		InstanceID:     inst.ID,
		BufferContent:  snap.Text(),
		CursorX:        snap.CursorX,
		CursorY:        snap.CursorY,
		Cols:           snap.Cols,
		Rows:           snap.Rows,
		Shell:          inst.Shell,
		Cwd:            inst.Cwd,
		OwnerProjectID: inst.OwnerProjectID,
		LastActive:     inst.LastAccessedAt(),
	}, nil
}

// CaptureAll snapshots every live instance to disk. Best effort: a single
// unreadable instance is logged and skipped, and persistence never blocks
// shutdown.
func (m *Manager) CaptureAll() int {
	saved := 0
	for _, inst := range m.pool.List("") {
		if inst.Status() == pool.StatusExited {
			continue
		}
		snap, err := m.Capture(inst)
		if err != nil {
			m.log.Warn("skipping snapshot", zap.String("instance", inst.ID), zap.Error(err))
			continue
		}
		if err := m.store.Save(snap); err != nil {
			m.log.Warn("failed to persist snapshot", zap.String("instance", inst.ID), zap.Error(err))
			continue
		}
		saved++
	}
	m.log.Info("captured terminal snapshots", zap.Int("count", saved))
	return saved
}

// Run captures periodically when an interval is configured. Returns when
// the context ends; the final shutdown capture is the caller's job.
func (m *Manager) Run(ctx context.Context) {
	if m.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CaptureAll()
		}
	}
}

// Restore rebuilds instances from persisted snapshots at startup. Each
// snapshot seeds a new instance's screen before live output, so the user
// sees their last transcript even though the shell underneath is new.
// Stale snapshots (missing project or working directory) are discarded
// unused; consumed snapshots are deleted.
func (m *Manager) Restore(ctx context.Context) []*pool.Instance {
	snapshots, err := m.store.List()
	if err != nil {
		m.log.Warn("failed to list snapshots", zap.Error(err))
		return nil
	}

	var restored []*pool.Instance
	for _, snap := range snapshots {
		if m.isStale(snap) {
			if err := m.store.Delete(snap.InstanceID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
				m.log.Warn("failed to drop stale snapshot", zap.String("instance", snap.InstanceID), zap.Error(err))
			}
			continue
		}

		inst, err := m.pool.Create(ctx, pool.CreateConfig{
			Shell:          snap.Shell,
			Cwd:            snap.Cwd,
			Cols:           snap.Cols,
			Rows:           snap.Rows,
			OwnerProjectID: snap.OwnerProjectID,
			Seed:           snap.BufferContent,
		})
		if err != nil {
			m.log.Warn("failed to restore terminal", zap.String("snapshot", snap.InstanceID), zap.Error(err))
			continue
		}
		if err := m.store.Delete(snap.InstanceID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			m.log.Warn("failed to delete consumed snapshot", zap.String("snapshot", snap.InstanceID), zap.Error(err))
		}
		restored = append(restored, inst)
	}
	if len(restored) > 0 {
		m.log.Info("restored terminals from snapshots", zap.Int("count", len(restored)))
	}
	return restored
}

func (m *Manager) isStale(snap Snapshot) bool {
	if snap.OwnerProjectID != "" && m.projects != nil && !m.projects.ProjectExists(snap.OwnerProjectID) {
		m.log.Info("snapshot references deleted project",
			zap.String("snapshot", snap.InstanceID),
			zap.String("project", snap.OwnerProjectID))
		return true
	}
	if snap.Cwd != "" {
		if _, err := os.Stat(snap.Cwd); err != nil {
			m.log.Info("snapshot working directory is gone",
				zap.String("snapshot", snap.InstanceID),
				zap.String("cwd", snap.Cwd))
			return true
		}
	}
	return false
}
