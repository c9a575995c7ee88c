// Package notify fans dataset changes out to the transport layer.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/metrics"
)

// Notifier receives every change after it is applied.
type Notifier interface {
	Notify(ctx context.Context, change domain.Change) error
}

// Hub delivers changes to in-process subscribers. A subscriber that does not
// keep up loses changes rather than slowing the others down.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Change
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan domain.Change)}
}

// Subscribe registers a subscriber with the given buffer. The returned cancel
// function unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Change, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Notify implements Notifier. It never blocks.
func (h *Hub) Notify(ctx context.Context, change domain.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- change:
		default:
			metrics.NotificationsDropped.Inc()
		}
	}
	return nil
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Multi sends each change to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, change domain.Change) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
