package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(id string, progress float64) domain.JobUpdate {
	return domain.JobUpdate{JobID: id, Stage: domain.StageTranscoding, Progress: progress}
}

func drain(sub *Subscription) []domain.JobUpdate {
	var out []domain.JobUpdate
	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestBroadcaster_OnlySubsequentUpdates(t *testing.T) {
	b := NewBroadcaster(8)
	b.Publish(update("before", 1))

	sub := b.Subscribe(context.Background())
	defer sub.Close()
	b.Publish(update("after", 2))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].JobID)
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe(context.Background())
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		b.Publish(update("job", float64(i)))
	}

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Progress)
	assert.Equal(t, 5.0, got[1].Progress)
	assert.Equal(t, uint64(3), sub.TakeDropped())
	assert.Equal(t, uint64(0), sub.TakeDropped())
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(4)
	slow := b.Subscribe(context.Background())
	defer slow.Close()
	fast := b.Subscribe(context.Background())
	defer fast.Close()

	received := make(chan int, 1)
	go func() {
		n := 0
		for u := range fast.Updates() {
			n++
			if u.Progress == 99 {
				received <- n
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(update(fmt.Sprintf("job-%d", i%3), float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	select {
	case n := <-received:
		assert.Positive(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber never saw the last update")
	}
	assert.Len(t, drain(slow), 4)
}

func TestBroadcaster_ReleasedOnContextEnd(t *testing.T) {
	b := NewBroadcaster(4)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.Updates()
	assert.False(t, ok)
	sub.Close()
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe(context.Background())

	b.Close()

	_, ok := <-sub.Updates()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	late := b.Subscribe(context.Background())
	_, ok = <-late.Updates()
	assert.False(t, ok)
	b.Publish(update("job", 1))
}
