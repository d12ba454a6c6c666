package renderer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/pool"
)

type State int

const (
	StateUnattached State = iota
	StateAttaching
	StateAttached
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	default:
		return "unattached"
	}
}

// Attachment is the per-mount-point state machine. Its mutex is held for
// the whole of an attach or detach, so no two transitions on the same
// mount are ever in flight concurrently.
type Attachment struct {
	mu         sync.Mutex
	mount      *MountPoint
	state      State
	kind       Kind
	instanceID string
	backend    Backend
}

func newAttachment(mount *MountPoint) *Attachment {
	return &Attachment{mount: mount, kind: KindNone}
}

// Snapshot of the attachment for the UI.
type AttachmentInfo struct {
	MountID    string `json:"mount_id"`
	State      string `json:"state"`
	Kind       Kind   `json:"renderer"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (a *Attachment) info() AttachmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AttachmentInfo{
		MountID:    a.mount.ID,
		State:      a.state.String(),
		Kind:       a.kind,
		InstanceID: a.instanceID,
	}
}

// attach runs the fallback chain and wires the winning backend to the
// instance's surface. The previous instance on this mount, if any, is
// detached first; its process keeps running.
func (a *Attachment) attach(inst *pool.Instance, pm *pool.Manager, backends []func() Backend, log *zap.Logger, onFallback func()) (Kind, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateAttached {
		a.detachLocked(pm)
	}

	a.state = StateAttaching
	var chosen Backend
	for _, build := range backends {
		candidate := build()
		if err := candidate.Init(a.mount); err != nil {
			// Fallback, not failure: try the next backend.
			log.Warn("renderer backend init failed",
				zap.String("mount", a.mount.ID),
				zap.String("backend", string(candidate.Kind())),
				zap.Error(err))
			if onFallback != nil {
				onFallback()
			}
			continue
		}
		chosen = candidate
		break
	}
	if chosen == nil {
		// Unreachable while DOM is in the chain; kept defensive.
		a.state = StateUnattached
		return KindNone, errAllBackendsFailed
	}

	if err := pm.BeginAttach(inst.ID, a.mount.ID); err != nil {
		chosen.Dispose()
		a.state = StateUnattached
		return KindNone, err
	}

	chosen.Start(inst.Surface())
	a.backend = chosen
	a.kind = chosen.Kind()
	a.instanceID = inst.ID
	a.state = StateAttached
	return a.kind, nil
}

// detach releases renderer resources only. The surface keeps consuming
// process output invisibly, so re-attaching shows full continuity without
// any serialization.
func (a *Attachment) detach(pm *pool.Manager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAttached {
		return
	}
	a.detachLocked(pm)
}

func (a *Attachment) detachLocked(pm *pool.Manager) {
	a.state = StateDetaching
	if a.backend != nil {
		a.backend.Dispose()
		a.backend = nil
	}
	pm.EndAttach(a.instanceID, a.mount.ID)
	a.instanceID = ""
	a.kind = KindNone
	a.state = StateUnattached
}

func (a *Attachment) attachedInstance() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAttached {
		return "", false
	}
	return a.instanceID, true
}
