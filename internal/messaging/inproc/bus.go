package inproc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskdelegate/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans every published event out to all named subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan domain.Event
	buffer  int
	dropped map[string]int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:    make(map[string]chan domain.Event),
		buffer:  buffer,
		dropped: make(map[string]int),
	}
}

// Subscribe returns the channel for name, creating it on first use. A
// positive buffer overrides the bus default for a new subscriber.
func (b *Bus) Subscribe(name string, buffer int) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	if buffer <= 0 {
		buffer = b.buffer
	}
	ch := make(chan domain.Event, buffer)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes name and closes its channel.
func (b *Bus) Unsubscribe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotRegistered, name)
	}
	delete(b.subs, name)
	close(ch)
	return nil
}

// Publish delivers evt to every subscriber that has room. The error lists the
// subscribers that missed it.
func (b *Bus) Publish(evt domain.Event) error {
	b.mu.RLock()
	var missed []string
	for name, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			missed = append(missed, name)
		}
	}
	b.mu.RUnlock()

	if len(missed) == 0 {
		return nil
	}
	sort.Strings(missed)
	b.mu.Lock()
	for _, name := range missed {
		b.dropped[name]++
	}
	b.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrSubscriberQueueFull, strings.Join(missed, ","))
}

// Dropped reports how many events name has missed.
func (b *Bus) Dropped(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[name]
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subs {
		delete(b.subs, name)
		close(ch)
	}
}
