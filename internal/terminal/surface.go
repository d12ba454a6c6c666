package terminal

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/termemu"
)

// snapshotInterval bounds how often a dirty screen is re-broadcast as a
// full snapshot. Diffs and cursor moves are forwarded immediately.
const snapshotInterval = 200 * time.Millisecond

var ErrSurfaceClosed = errors.New("surface closed")

// Surface owns the in-memory screen buffer for one terminal instance. It
// keeps consuming emulator output whether or not a renderer is attached, so
// detaching and later re-attaching shows full continuity without any
// serialization. Exactly one Surface exists per instance.
type Surface struct {
	term    termemu.Terminal
	updates *UpdateBroadcaster
	events  chan Event
	done    chan struct{}

	mu        sync.RWMutex
	cursorX   int
	cursorY   int
	closeOnce sync.Once
}

// NewSurface builds an emulation surface over the given backend. If seed is
// non-empty it is consumed as inert pre-existing output before any live
// backend data, which is how a persisted transcript is replayed into a
// fresh instance.
func NewSurface(backend termemu.Backend, seed []byte) (*Surface, error) {
	s := &Surface{
		updates: NewUpdateBroadcaster(),
		events:  make(chan Event, EventBufferSize),
		done:    make(chan struct{}),
	}

	if len(seed) > 0 {
		backend = newSeededBackend(seed, backend)
	}

	frontend := NewFrontend(s.events, s.done)
	term := termemu.NewWithMode(frontend, backend, termemu.TextReadModeRune)
	if term == nil {
		s.updates.Close()
		return nil, errors.New("failed to initialize terminal emulator")
	}
	s.term = term

	go s.run()
	return s, nil
}

func (s *Surface) run() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-s.done:
			return
		case event := <-s.events:
			s.handleEvent(event)
			dirty = true
		case <-ticker.C:
			if dirty {
				snap := s.Snapshot()
				s.updates.Broadcast(Update{Kind: UpdateSnapshot, Snapshot: &snap})
				dirty = false
			}
		}
	}
}

func (s *Surface) handleEvent(event Event) {
	switch event.Kind {
	case EventBell:
		s.updates.Broadcast(Update{Kind: UpdateBell})
	case EventCursorMoved:
		s.mu.Lock()
		s.cursorX, s.cursorY = event.X, event.Y
		s.mu.Unlock()
		s.updates.Broadcast(Update{Kind: UpdateCursor, Cursor: &Cursor{X: event.X, Y: event.Y}})
	case EventScrollLines:
		snap := s.Snapshot()
		s.updates.Broadcast(Update{Kind: UpdateSnapshot, Snapshot: &snap})
	case EventRegionChanged:
		if diff, ok := s.buildDiff(event.Region, event.Reason); ok {
			s.updates.Broadcast(Update{Kind: UpdateDiff, Diff: &diff})
		}
	}
}

// Snapshot copies the visible screen and cursor under the emulator lock.
func (s *Surface) Snapshot() Snapshot {
	var snap Snapshot
	s.term.WithLock(func() {
		w, h := s.term.Size()
		if w <= 0 || h <= 0 {
			return
		}
		lines := make([]string, h)
		for y := 0; y < h; y++ {
			lines[y] = s.term.Line(y)
		}
		snap = Snapshot{Rows: h, Cols: w, Lines: lines}
	})
	s.mu.RLock()
	snap.CursorX, snap.CursorY = s.cursorX, s.cursorY
	s.mu.RUnlock()
	return snap
}

// ScreenText renders the visible buffer as plain text: lines joined by
// newlines, trailing pad stripped.
func (s *Surface) ScreenText() string {
	snap := s.Snapshot()
	return snap.Text()
}

// Text renders a snapshot the way ScreenText does.
func (sn Snapshot) Text() string {
	lines := make([]string, len(sn.Lines))
	for i, line := range sn.Lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (s *Surface) Cursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Cursor{X: s.cursorX, Y: s.cursorY}
}

func (s *Surface) Size() (cols, rows int) {
	s.term.WithLock(func() {
		cols, rows = s.term.Size()
	})
	return cols, rows
}

func (s *Surface) Resize(cols, rows int) error {
	return s.term.Resize(cols, rows)
}

// SendInput dispatches user input through the emulator to the process.
func (s *Surface) SendInput(input Input) error {
	select {
	case <-s.done:
		return ErrSurfaceClosed
	default:
	}
	return SendInput(s.term, input)
}

// Subscribe returns a channel of screen updates plus a cancel func. Slow
// subscribers have updates dropped, never block the event loop.
func (s *Surface) Subscribe(buffer int) (<-chan Update, func()) {
	return s.updates.Subscribe(buffer)
}

func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.updates.Close()
	})
}

func (s *Surface) buildDiff(region termemu.Region, reason termemu.ChangeReason) (Diff, bool) {
	var diff Diff
	s.term.WithLock(func() {
		w, h := s.term.Size()
		if w <= 0 || h <= 0 {
			return
		}
		bounded := termemu.Region{X: 0, Y: 0, X2: w, Y2: h}
		clamped := region.Intersect(bounded)
		if clamped.Empty() {
			return
		}
		lines := make([]string, clamped.Y2-clamped.Y)
		for y := clamped.Y; y < clamped.Y2; y++ {
			lines[y-clamped.Y] = s.term.Line(y)
		}
		diff = Diff{
			Region: Region{X: clamped.X, Y: clamped.Y, X2: clamped.X2, Y2: clamped.Y2},
			Lines:  lines,
			Reason: changeReasonString(reason),
		}
	})
	if diff.Lines == nil {
		return Diff{}, false
	}
	return diff, true
}

func changeReasonString(reason termemu.ChangeReason) string {
	switch reason {
	case termemu.CRText:
		return "text"
	case termemu.CRClear:
		return "clear"
	case termemu.CRScroll:
		return "scroll"
	case termemu.CRScreenSwitch:
		return "screen_switch"
	case termemu.CRRedraw:
		return "redraw"
	default:
		return "unknown"
	}
}
