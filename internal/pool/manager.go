// Package pool keeps multiple long-lived shell processes alive and is the
// single source of truth for which terminal instances exist.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/pty"
	"github.com/quillchat/quill/internal/terminal"
)

var (
	ErrPoolExhausted    = errors.New("terminal pool exhausted, close a terminal first")
	ErrInstanceNotFound = errors.New("terminal no longer available")
	ErrInstanceExited   = errors.New("terminal has exited")
	ErrAlreadyAttached  = errors.New("terminal already attached to another mount point")
)

const (
	DefaultMaxCapacity  = 10
	DefaultSpawnTimeout = 5 * time.Second
	DefaultKillGrace    = 3 * time.Second
)

type Config struct {
	MaxCapacity  int
	SpawnTimeout time.Duration
	KillGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = DefaultMaxCapacity
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// CreateConfig describes one terminal to create. Seed, when non-empty, is a
// restored transcript written into the screen buffer before live output.
type CreateConfig struct {
	Shell          string
	Cwd            string
	Cols           int
	Rows           int
	Env            map[string]string
	OwnerProjectID string
	Seed           string
}

// AttachmentReleaser detaches whatever renderer currently shows an
// instance. Registered by the renderer layer after construction; the pool
// calls it before killing a process so no renderer ever holds a reference
// to a dead one.
type AttachmentReleaser interface {
	DetachInstance(instanceID string)
}

type Stats struct {
	Capacity int `json:"capacity"`
	Total    int `json:"total"`
	Running  int `json:"running"`
	Exited   int `json:"exited"`
	Attached int `json:"attached"`
}

// Manager is the pool registry. All map mutations go through one mutex so
// capacity-check-then-insert is a single atomic step: two racing creates
// can never jointly exceed capacity.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	events  *EventHub
	metrics *Metrics

	mu        sync.Mutex
	instances map[string]*Instance
	order     []string          // creation order, eviction tiebreak
	attached  map[string]string // instance id -> mount point id

	relMu    sync.RWMutex
	releaser AttachmentReleaser
}

func NewManager(cfg Config, log *zap.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		log:       log,
		events:    NewEventHub(),
		metrics:   metrics,
		instances: make(map[string]*Instance),
		attached:  make(map[string]string),
	}
}

// SetAttachmentReleaser registers the renderer layer. Must be called before
// any instance can be attached.
func (m *Manager) SetAttachmentReleaser(r AttachmentReleaser) {
	m.relMu.Lock()
	m.releaser = r
	m.relMu.Unlock()
}

func (m *Manager) Events() *EventHub {
	return m.events
}

// Create spawns a new terminal instance, evicting the least-recently
// accessed detached instance if the pool is full. Spawn failures leave the
// pool untouched.
func (m *Manager) Create(ctx context.Context, cfg CreateConfig) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victim *Instance
	if len(m.instances) >= m.cfg.MaxCapacity {
		victim = m.evictionCandidateLocked()
		if victim == nil {
			return nil, ErrPoolExhausted
		}
	}

	ptyCfg := pty.Config{
		Shell:     cfg.Shell,
		Cwd:       cfg.Cwd,
		Cols:      cfg.Cols,
		Rows:      cfg.Rows,
		Env:       cfg.Env,
		KillGrace: m.cfg.KillGrace,
	}.WithDefaults()
	cfg.Shell, cfg.Cwd = ptyCfg.Shell, ptyCfg.Cwd
	cfg.Cols, cfg.Rows = ptyCfg.Cols, ptyCfg.Rows

	id := uuid.NewString()
	inst := newInstance(id, cfg)

	spawnCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnTimeout)
	defer cancel()
	adapter, err := pty.Spawn(spawnCtx, ptyCfg, m.log.With(zap.String("instance", id)))
	if err != nil {
		m.metrics.SpawnFailures.Inc()
		return nil, err
	}
	inst.adapter = adapter

	adapter.SetChunkSink(func(chunk []byte) {
		_, _ = inst.rawLog.Write(chunk)
		m.events.Publish(Event{Kind: EventData, InstanceID: id, Data: chunk})
	})

	surface, err := terminal.NewSurface(adapter.Backend(), terminal.SeedBytes(cfg.Seed))
	if err != nil {
		adapter.Kill()
		m.metrics.SpawnFailures.Inc()
		return nil, fmt.Errorf("%w: %v", pty.ErrSpawn, err)
	}
	inst.surface = surface
	if err := surface.Resize(cfg.Cols, cfg.Rows); err != nil {
		m.log.Warn("initial resize failed", zap.String("instance", id), zap.Error(err))
	}
	inst.setRunning()

	// The process is alive; only now pay for the eviction.
	if victim != nil {
		m.evictLocked(victim)
	}

	m.instances[id] = inst
	m.order = append(m.order, id)
	m.metrics.Creations.Inc()
	m.metrics.Instances.Set(float64(len(m.instances)))
	m.events.Publish(Event{Kind: EventCreated, InstanceID: id})
	m.log.Info("terminal created",
		zap.String("instance", id),
		zap.String("shell", cfg.Shell),
		zap.String("cwd", cfg.Cwd),
		zap.Int("pool_size", len(m.instances)))

	go m.watchExit(inst)
	return inst, nil
}

// Get is a pure lookup; it updates nothing.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// List returns instances in creation order, optionally filtered by owning
// project.
func (m *Manager) List(ownerProjectID string) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		inst := m.instances[id]
		if ownerProjectID != "" && inst.OwnerProjectID != ownerProjectID {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Capacity: m.cfg.MaxCapacity,
		Total:    len(m.instances),
		Attached: len(m.attached),
	}
	for _, inst := range m.instances {
		switch inst.Status() {
		case StatusExited:
			stats.Exited++
		default:
			stats.Running++
		}
	}
	return stats
}

// Destroy kills the process and removes the instance. Any attachment
// referencing it is released first.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}

	m.releaseAttachment(id)

	m.mu.Lock()
	if _, ok := m.instances[id]; !ok {
		m.mu.Unlock()
		return ErrInstanceNotFound
	}
	m.removeLocked(id)
	m.mu.Unlock()

	inst.adapter.Kill()
	inst.surface.Close()
	m.metrics.Destroys.Inc()
	m.events.Publish(Event{Kind: EventDestroyed, InstanceID: id})
	m.log.Info("terminal destroyed", zap.String("instance", id))
	return nil
}

// DestroyAll tears the pool down, detaching and killing everything.
func (m *Manager) DestroyAll() {
	for _, inst := range m.List("") {
		_ = m.Destroy(inst.ID)
	}
	m.events.Close()
}

// BeginAttach records that an instance is shown on a mount point. At most
// one mount per instance; lastAccessedAt bumps on every attach.
func (m *Manager) BeginAttach(instanceID, mountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status() == StatusExited {
		return ErrInstanceExited
	}
	if cur, ok := m.attached[instanceID]; ok && cur != mountID {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, cur)
	}
	m.attached[instanceID] = mountID
	inst.touch()
	m.metrics.Attached.Set(float64(len(m.attached)))
	return nil
}

// EndAttach clears the attachment record if it still names this mount.
func (m *Manager) EndAttach(instanceID, mountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.attached[instanceID]; ok && cur == mountID {
		delete(m.attached, instanceID)
		m.metrics.Attached.Set(float64(len(m.attached)))
	}
}

// AttachedMount reports which mount point, if any, shows the instance.
func (m *Manager) AttachedMount(instanceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mount, ok := m.attached[instanceID]
	return mount, ok
}

// evictionCandidateLocked picks the least-recently-accessed detached
// instance; ties go to the oldest creation. Attached instances are what the
// user is looking at and are never eviction candidates.
func (m *Manager) evictionCandidateLocked() *Instance {
	var victim *Instance
	for _, id := range m.order {
		if _, attached := m.attached[id]; attached {
			continue
		}
		inst := m.instances[id]
		if victim == nil || inst.LastAccessedAt().Before(victim.LastAccessedAt()) {
			victim = inst
		}
	}
	return victim
}

func (m *Manager) evictLocked(inst *Instance) {
	m.removeLocked(inst.ID)
	inst.adapter.Kill()
	inst.surface.Close()
	m.metrics.Evictions.Inc()
	m.events.Publish(Event{Kind: EventEvicted, InstanceID: inst.ID})
	m.log.Info("terminal evicted",
		zap.String("instance", inst.ID),
		zap.Time("last_accessed", inst.LastAccessedAt()))
}

func (m *Manager) removeLocked(id string) {
	delete(m.instances, id)
	delete(m.attached, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.metrics.Instances.Set(float64(len(m.instances)))
	m.metrics.Attached.Set(float64(len(m.attached)))
}

// watchExit translates the process exit event into the instance status
// transition, detaches any renderer, and notifies the UI. Process failures
// never propagate as panics into callers.
func (m *Manager) watchExit(inst *Instance) {
	exit := <-inst.adapter.ExitEvents()
	inst.setExited(exit)
	m.metrics.Exits.Inc()

	// Required ordering: the renderer lets go before anyone observes the
	// dead process.
	m.releaseAttachment(inst.ID)

	m.events.Publish(Event{Kind: EventExit, InstanceID: inst.ID, Exit: &exit})
	m.log.Info("terminal exited",
		zap.String("instance", inst.ID),
		zap.Int("code", exit.Code),
		zap.String("signal", exit.Signal))
}

func (m *Manager) releaseAttachment(instanceID string) {
	m.mu.Lock()
	_, isAttached := m.attached[instanceID]
	m.mu.Unlock()
	if !isAttached {
		return
	}
	m.relMu.RLock()
	releaser := m.releaser
	m.relMu.RUnlock()
	if releaser != nil {
		releaser.DetachInstance(instanceID)
	}
}
