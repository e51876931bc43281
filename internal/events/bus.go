package events

import (
	"sync"
)

// Envelope pairs a topic with its payload so one channel can carry every
// topic a subscriber asked for.
type Envelope struct {
	Topic   Event `json:"type"`
	Payload any   `json:"data"`
}

// Bus fans engine events out to in-process subscribers over channels.
// Publish never blocks: a subscriber that falls behind loses messages
// instead of stalling the trading loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers one buffered channel for the given topics and returns
// it with an unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Envelope, func()) {
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for _, topic := range topics {
				chans := b.subs[topic]
				for i, c := range chans {
					if c == ch {
						b.subs[topic] = append(chans[:i], chans[i+1:]...)
						break
					}
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, unsub
}

// Publish delivers the payload to every subscriber of the topic. A full
// subscriber buffer drops the message.
func (b *Bus) Publish(topic Event, payload any) {
	env := Envelope{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- env:
		default:
			// slow subscriber
		}
	}
}
