package terminal

import "sync"

// updateSub is one consumer of the update stream. lagged is set when the
// buffer overflowed and delivery skipped updates; the next send slot then
// carries a resync marker instead, so the consumer knows its view is stale.
type updateSub struct {
	ch     chan Update
	lagged bool
}

// UpdateBroadcaster fans screen updates out to any number of subscribers.
// Slow subscribers never block the emulator: overflow drops updates and the
// subscriber is told to repaint from the surface's snapshot.
type UpdateBroadcaster struct {
	mu     sync.Mutex
	subs   map[int64]*updateSub
	nextID int64
	closed bool
}

func NewUpdateBroadcaster() *UpdateBroadcaster {
	return &UpdateBroadcaster{
		subs: make(map[int64]*updateSub),
	}
}

// Subscribe registers a consumer with the given buffer size (0 picks a
// default). The returned func cancels the subscription and closes the
// channel.
func (b *UpdateBroadcaster) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &updateSub{ch: make(chan Update, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
		b.mu.Unlock()
	}
}

func resyncUpdate() Update {
	return Update{Kind: UpdateError, Error: &Error{
		Code:    "updates_dropped",
		Message: "update stream overflowed, repaint from snapshot",
		Resync:  true,
	}}
}

// Broadcast delivers the update to every subscriber with room. A lagged
// subscriber receives the resync marker in place of this update; delivery
// resumes on the next broadcast.
func (b *UpdateBroadcaster) Broadcast(update Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.lagged {
			select {
			case sub.ch <- resyncUpdate():
				sub.lagged = false
			default:
			}
			continue
		}
		select {
		case sub.ch <- update:
		default:
			sub.lagged = true
		}
	}
}

// Close terminates every subscription. Further broadcasts are dropped and
// further subscribes get a closed channel.
func (b *UpdateBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}
