package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/quillchat/quill/internal/terminal"
)

// webglBackend renders via a GPU context: diffs become texture patch
// uploads, snapshots full texture uploads. Init fails when the mount lacks
// WebGL support or the context pool is exhausted within the deadline.
type webglBackend struct {
	contexts    *ContextPool
	initTimeout time.Duration
	release     func()
	loop        frameLoop
}

func newWebGLBackend(contexts *ContextPool, initTimeout time.Duration) *webglBackend {
	if initTimeout <= 0 {
		initTimeout = webglInitDeadline
	}
	return &webglBackend{contexts: contexts, initTimeout: initTimeout}
}

func (b *webglBackend) Kind() Kind {
	return KindWebGL
}

func (b *webglBackend) Init(mount *MountPoint) error {
	if !mount.Caps.Has(CapWebGL) {
		return fmt.Errorf("mount %s does not support webgl", mount.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.initTimeout)
	defer cancel()
	release, err := b.contexts.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("webgl context for mount %s: %w", mount.ID, err)
	}
	b.release = release
	b.loop.mount = mount
	return nil
}

func (b *webglBackend) Start(surface *terminal.Surface) {
	b.loop.start(surface, KindWebGL, b.paint)
}

func (b *webglBackend) paint(update terminal.Update) *Frame {
	switch update.Kind {
	case terminal.UpdateSnapshot:
		return &Frame{Kind: "texture_upload", Snapshot: update.Snapshot, Cursor: &terminal.Cursor{X: update.Snapshot.CursorX, Y: update.Snapshot.CursorY}}
	case terminal.UpdateDiff:
		return &Frame{Kind: "texture_patch", Diff: update.Diff}
	case terminal.UpdateCursor:
		return &Frame{Kind: "cursor", Cursor: update.Cursor}
	case terminal.UpdateBell:
		return &Frame{Kind: "bell"}
	default:
		return nil
	}
}

func (b *webglBackend) Dispose() {
	b.loop.stop()
	if b.release != nil {
		b.release()
		b.release = nil
	}
}
