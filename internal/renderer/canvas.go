package renderer

import (
	"fmt"

	"github.com/quillchat/quill/internal/terminal"
)

// canvasBackend paints line-level diffs onto a 2D canvas. No GPU
// dependency, but the mount must expose a canvas drawing surface.
type canvasBackend struct {
	loop frameLoop
}

func newCanvasBackend() *canvasBackend {
	return &canvasBackend{}
}

func (b *canvasBackend) Kind() Kind {
	return KindCanvas
}

func (b *canvasBackend) Init(mount *MountPoint) error {
	if !mount.Caps.Has(CapCanvas) {
		return fmt.Errorf("mount %s does not support canvas", mount.ID)
	}
	b.loop.mount = mount
	return nil
}

func (b *canvasBackend) Start(surface *terminal.Surface) {
	b.loop.start(surface, KindCanvas, b.paint)
}

func (b *canvasBackend) paint(update terminal.Update) *Frame {
	switch update.Kind {
	case terminal.UpdateSnapshot:
		return &Frame{Kind: "repaint", Snapshot: update.Snapshot}
	case terminal.UpdateDiff:
		return &Frame{Kind: "paint_lines", Diff: update.Diff}
	case terminal.UpdateCursor:
		return &Frame{Kind: "cursor", Cursor: update.Cursor}
	case terminal.UpdateBell:
		return &Frame{Kind: "bell"}
	default:
		return nil
	}
}

func (b *canvasBackend) Dispose() {
	b.loop.stop()
}
