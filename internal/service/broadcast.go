package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

const DefaultSubscriberBuffer = 64

// Broadcaster fans job updates out to live subscribers. Publish never
// blocks; a subscriber that falls behind loses its oldest updates.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

type Subscription struct {
	b       *Broadcaster
	ch      chan domain.JobUpdate
	mu      sync.Mutex
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers a subscriber that receives updates published from now
// on. It is released when ctx ends or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		b:    b,
		ch:   make(chan domain.JobUpdate, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() {
			close(sub.done)
			close(sub.ch)
		})
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Updates is closed once the subscription is released.
func (s *Subscription) Updates() <-chan domain.JobUpdate {
	return s.ch
}

// TakeDropped returns how many updates were discarded since the last call.
func (s *Subscription) TakeDropped() uint64 {
	return s.dropped.Swap(0)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
}

func (s *Subscription) offer(u domain.JobUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (b *Broadcaster) Publish(u domain.JobUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.offer(u)
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscriber and ignores later subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
