// Package broadcast carries change notifications for shared state between
// processes using the same store.
package broadcast

import (
	"context"
	"sync"
)

// Change announces that the row under Key was rewritten by Origin
type Change struct {
	Key       string `json:"key"`
	Origin    string `json:"origin"`
	AtEpochMs int64  `json:"atEpochMs"`
}

// Bus delivers every published Change to every subscriber, including the publisher's own
type Bus interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(fn func(Change)) (unsubscribe func())
	Close() error
}

// subscribers is the fan-out list shared by both bus implementations
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Change)
}

func (s *subscribers) add(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Change))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// deliver calls subscribers outside the lock so they may subscribe or publish
func (s *subscribers) deliver(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// LocalBus delivers changes synchronously within one process
type LocalBus struct {
	subs subscribers
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, c Change) error {
	b.subs.deliver(c)
	return nil
}

func (b *LocalBus) Subscribe(fn func(Change)) func() {
	return b.subs.add(fn)
}

func (b *LocalBus) Close() error {
	return nil
}
