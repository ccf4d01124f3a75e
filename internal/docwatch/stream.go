package docwatch

import "sync"

// EventBroadcaster fans persisted change events out to live subscribers
// (the websocket stream). Publishing never blocks: a subscriber that cannot
// keep up loses events rather than stalling the apply stage.
type EventBroadcaster struct {
	mu   sync.Mutex
	subs map[chan ChangeEvent]struct{}
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{subs: map[chan ChangeEvent]struct{}{}}
}

// Subscribe returns a buffered event channel and a cancel function that
// must be called when the subscriber goes away.
func (b *EventBroadcaster) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *EventBroadcaster) Publish(event ChangeEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *EventBroadcaster) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
