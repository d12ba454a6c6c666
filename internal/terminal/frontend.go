package terminal

import "github.com/ricochet1k/termemu"

const EventBufferSize = 256

type EventKind int

const (
	EventBell EventKind = iota
	EventRegionChanged
	EventScrollLines
	EventCursorMoved
)

type Event struct {
	Kind    EventKind
	Region  termemu.Region
	Reason  termemu.ChangeReason
	X       int
	Y       int
	ScrollY int
}

// Frontend adapts termemu callbacks into an event channel consumed by a
// Surface. It drops events rather than block the emulator's read loop.
type Frontend struct {
	events chan<- Event
	done   <-chan struct{}
}

func NewFrontend(events chan<- Event, done <-chan struct{}) *Frontend {
	return &Frontend{events: events, done: done}
}

func (f *Frontend) Bell() {
	f.emit(Event{Kind: EventBell})
}

func (f *Frontend) RegionChanged(r termemu.Region, reason termemu.ChangeReason) {
	f.emit(Event{Kind: EventRegionChanged, Region: r, Reason: reason})
}

func (f *Frontend) ScrollLines(y int) {
	f.emit(Event{Kind: EventScrollLines, ScrollY: y})
}

func (f *Frontend) CursorMoved(x, y int) {
	f.emit(Event{Kind: EventCursorMoved, X: x, Y: y})
}

// Style and view-flag changes are owned by the rendering layer; the pool
// only tracks screen content and cursor.

func (f *Frontend) StyleChanged(s termemu.Style) {}

func (f *Frontend) ViewFlagChanged(flag termemu.ViewFlag, value bool) {}

func (f *Frontend) ViewIntChanged(flag termemu.ViewInt, value int) {}

func (f *Frontend) ViewStringChanged(flag termemu.ViewString, value string) {}

func (f *Frontend) emit(event Event) {
	if f == nil || f.events == nil {
		return
	}
	if f.done != nil {
		select {
		case <-f.done:
			return
		default:
		}
	}

	select {
	case f.events <- event:
	default:
	}
}
