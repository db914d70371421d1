// Package events is the in-process publish/subscribe channel for quote and
// order updates.
package events

import (
	"sync"
	"time"
)

const (
	TypeQuote = "quote"
	TypeOrder = "order"
)

const subscriberBuffer = 100

// Event is one published update. UserID scopes it to a single user; an
// empty UserID is visible to every subscriber.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"-"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// Publisher is the send side used by services
type Publisher interface {
	Publish(evt Event)
}

type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks: slow subscribers drop events.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Visible reports whether evt should be delivered to userID
func Visible(evt Event, userID string) bool {
	return evt.UserID == "" || evt.UserID == userID
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(Event) {}
