// Package renderer owns rendering lifetime: which backend paints a terminal
// instance onto a UI mount point, and nothing about process lifetime.
package renderer

import (
	"context"
	"errors"
	"time"

	"github.com/quillchat/quill/internal/terminal"
)

// Kind identifies a rendering backend. Priority order for fallback is
// WebGL, then Canvas, then DOM; DOM never fails.
type Kind string

const (
	KindWebGL  Kind = "webgl"
	KindCanvas Kind = "canvas"
	KindDOM    Kind = "dom"
	KindNone   Kind = "none"
)

type Capability string

const (
	CapWebGL  Capability = "webgl"
	CapCanvas Capability = "canvas"
)

type CapabilitySet map[Capability]bool

func (c CapabilitySet) Has(cap Capability) bool {
	return c[cap]
}

// Frame is one paint instruction sent to a mount point. The payload shape
// depends on the backend that produced it.
type Frame struct {
	Backend  Kind               `json:"backend"`
	Kind     string             `json:"kind"`
	Snapshot *terminal.Snapshot `json:"snapshot,omitempty"`
	Diff     *terminal.Diff     `json:"diff,omitempty"`
	Cursor   *terminal.Cursor   `json:"cursor,omitempty"`
	Text     string             `json:"text,omitempty"`
}

// FrameSink receives paint instructions. A WebSocket client is the usual
// implementation.
type FrameSink interface {
	SendFrame(Frame) error
}

// MountPoint is one visual surface in the UI that terminals can be shown
// on. Capabilities are declared by the client at connect time.
type MountPoint struct {
	ID   string
	Caps CapabilitySet
	Sink FrameSink
}

// Backend paints one surface onto one mount point. Init failures trigger
// fallback to the next backend in priority order; they are never surfaced
// to the caller of attach.
type Backend interface {
	Kind() Kind
	Init(mount *MountPoint) error
	// Start paints the surface's current in-memory screen and then follows
	// its update stream. No process output is replayed.
	Start(surface *terminal.Surface)
	// Dispose releases renderer resources only; the surface and its
	// process are untouched.
	Dispose()
}

// ContextPool bounds concurrent GPU contexts. An explicit field on the
// renderer manager, constructed once; exhaustion makes WebGL init fail and
// just means that mount falls back to Canvas.
type ContextPool struct {
	sem chan struct{}
}

func NewContextPool(size int) *ContextPool {
	if size <= 0 {
		size = 4
	}
	return &ContextPool{sem: make(chan struct{}, size)}
}

var errNoGPUContext = errors.New("no gpu context available")

// Acquire claims a context within the deadline and returns its release
// func.
func (p *ContextPool) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.sem <- struct{}{}:
		var released bool
		return func() {
			if !released {
				released = true
				<-p.sem
			}
		}, nil
	case <-ctx.Done():
		return nil, errNoGPUContext
	}
}

func (p *ContextPool) InUse() int {
	return len(p.sem)
}

// frameLoop is the shared consume-and-paint machinery: subscribe to the
// surface, emit an initial frame from the retained buffer, then translate
// updates until disposed.
type frameLoop struct {
	mount  *MountPoint
	cancel func()
	done   chan struct{}
}

func (l *frameLoop) start(surface *terminal.Surface, kind Kind, paint func(terminal.Update) *Frame) {
	updates, cancel := surface.Subscribe(0)
	l.cancel = cancel
	l.done = make(chan struct{})

	// Re-point at the existing buffer; continuity comes from the surface
	// having stayed alive, not from replaying output.
	snap := surface.Snapshot()
	initial := paint(terminal.Update{Kind: terminal.UpdateSnapshot, Snapshot: &snap})
	if initial != nil {
		initial.Backend = kind
		_ = l.mount.Sink.SendFrame(*initial)
	}

	go func() {
		defer close(l.done)
		for update := range updates {
			if update.Kind == terminal.UpdateError && update.Error != nil && update.Error.Resync {
				// The subscription overflowed and dropped updates. The
				// retained buffer is still authoritative; repaint from it.
				snap := surface.Snapshot()
				update = terminal.Update{Kind: terminal.UpdateSnapshot, Snapshot: &snap}
			}
			frame := paint(update)
			if frame == nil {
				continue
			}
			frame.Backend = kind
			if err := l.mount.Sink.SendFrame(*frame); err != nil {
				return
			}
		}
	}()
}

func (l *frameLoop) stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
}

// webglInitDeadline bounds the async first context creation so a slow GPU
// never blocks a tab switch; past it we fall back.
const webglInitDeadline = time.Second
