package renderer

import (
	"github.com/quillchat/quill/internal/terminal"
)

// domBackend is the backend of last resort: pure text rendering with no
// hardware dependency. Init never fails, so attach always terminates in
// Attached regardless of what the other backends did.
type domBackend struct {
	loop frameLoop
}

func newDOMBackend() *domBackend {
	return &domBackend{}
}

func (b *domBackend) Kind() Kind {
	return KindDOM
}

func (b *domBackend) Init(mount *MountPoint) error {
	b.loop.mount = mount
	return nil
}

func (b *domBackend) Start(surface *terminal.Surface) {
	b.loop.start(surface, KindDOM, b.paint)
}

func (b *domBackend) paint(update terminal.Update) *Frame {
	switch update.Kind {
	case terminal.UpdateSnapshot:
		return &Frame{Kind: "text", Text: update.Snapshot.Text(), Cursor: &terminal.Cursor{X: update.Snapshot.CursorX, Y: update.Snapshot.CursorY}}
	case terminal.UpdateDiff:
		// Plain text rendering has no partial paint; diffs collapse into
		// the next snapshot tick.
		return nil
	case terminal.UpdateCursor:
		return &Frame{Kind: "cursor", Cursor: update.Cursor}
	case terminal.UpdateBell:
		return &Frame{Kind: "bell"}
	default:
		return nil
	}
}

func (b *domBackend) Dispose() {
	b.loop.stop()
}
