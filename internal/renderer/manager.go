package renderer

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/pool"
)

var errAllBackendsFailed = errors.New("all renderer backends failed")

type ManagerConfig struct {
	GPUContexts      int
	WebGLInitTimeout time.Duration
}

// Manager tracks every mount point's attachment and enforces that an
// instance is shown on at most one mount at a time. It is the pool's
// AttachmentReleaser.
type Manager struct {
	log          *zap.Logger
	pool         *pool.Manager
	contexts     *ContextPool
	webglTimeout time.Duration

	fallbacks prometheus.Counter

	mu     sync.Mutex
	mounts map[string]*Attachment
}

func NewManager(cfg ManagerConfig, pm *pool.Manager, log *zap.Logger, reg prometheus.Registerer) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Manager{
		log:          log,
		pool:         pm,
		contexts:     NewContextPool(cfg.GPUContexts),
		webglTimeout: cfg.WebGLInitTimeout,
		fallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quill_renderer_fallbacks_total",
			Help: "Renderer backend init failures that fell back to the next backend.",
		}),
		mounts: make(map[string]*Attachment),
	}
	pm.SetAttachmentReleaser(m)
	return m
}

// RegisterMount makes a mount point attachable. Typically called when a UI
// client connects.
func (m *Manager) RegisterMount(mount *MountPoint) {
	m.mu.Lock()
	m.mounts[mount.ID] = newAttachment(mount)
	m.mu.Unlock()
}

// UnregisterMount detaches and forgets a mount point.
func (m *Manager) UnregisterMount(mountID string) {
	m.mu.Lock()
	att, ok := m.mounts[mountID]
	if ok {
		delete(m.mounts, mountID)
	}
	m.mu.Unlock()
	if ok {
		att.detach(m.pool)
	}
}

// Attach shows an instance on a mount point, picking the best backend the
// mount supports. Whatever the mount showed before, and whichever mount
// showed this instance before, are detached first; attach always ends in
// Attached because the DOM backend cannot fail.
func (m *Manager) Attach(instanceID, mountID string) (Kind, error) {
	inst, ok := m.pool.Get(instanceID)
	if !ok {
		return KindNone, pool.ErrInstanceNotFound
	}

	m.mu.Lock()
	att, ok := m.mounts[mountID]
	m.mu.Unlock()
	if !ok {
		return KindNone, errors.New("unknown mount point: " + mountID)
	}

	// One mount per instance: pull it off any other mount first.
	if prev, attached := m.pool.AttachedMount(instanceID); attached && prev != mountID {
		m.detachMount(prev)
	}

	backends := []func() Backend{
		func() Backend { return newWebGLBackend(m.contexts, m.webglTimeout) },
		func() Backend { return newCanvasBackend() },
		func() Backend { return newDOMBackend() },
	}
	kind, err := att.attach(inst, m.pool, backends, m.log, m.fallbacks.Inc)
	if err != nil {
		return KindNone, err
	}
	m.log.Info("terminal attached",
		zap.String("instance", instanceID),
		zap.String("mount", mountID),
		zap.String("backend", string(kind)))
	return kind, nil
}

// Detach disconnects whatever the mount shows. The instance's process and
// buffer keep running untouched.
func (m *Manager) Detach(mountID string) {
	m.detachMount(mountID)
}

func (m *Manager) detachMount(mountID string) {
	m.mu.Lock()
	att, ok := m.mounts[mountID]
	m.mu.Unlock()
	if ok {
		att.detach(m.pool)
	}
}

// DetachInstance implements pool.AttachmentReleaser: called before the pool
// kills or destroys an attached instance so no renderer outlives its
// process.
func (m *Manager) DetachInstance(instanceID string) {
	m.mu.Lock()
	var target *Attachment
	for _, att := range m.mounts {
		if id, ok := att.attachedInstance(); ok && id == instanceID {
			target = att
			break
		}
	}
	m.mu.Unlock()
	if target != nil {
		target.detach(m.pool)
	}
}

// Mounts reports every registered mount's attachment state.
func (m *Manager) Mounts() []AttachmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AttachmentInfo, 0, len(m.mounts))
	for _, att := range m.mounts {
		out = append(out, att.info())
	}
	return out
}
