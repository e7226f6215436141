package msggate

import "sync"

const subscriberBuffer = 16

// Broadcaster fans accepted messages out to live-tail subscribers. Publish
// never blocks the ingestion path: a subscriber that cannot keep up misses
// messages instead of stalling the pipeline.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan Message]struct{}{}}
}

func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(msg Message) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
