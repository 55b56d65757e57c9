package queue_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dashboard/internal/queue"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())
	assert.ErrorIs(t, q.Publish(queue.TopicNotices, "hello"), queue.ErrNoSubscribers)
}

func TestPublishFansOut(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())

	var a, b atomic.Int32
	require.NoError(t, q.Subscribe(queue.TopicNotices, func(payload any) error {
		a.Add(1)
		return nil
	}))
	require.NoError(t, q.Subscribe(queue.TopicNotices, func(payload any) error {
		assert.Equal(t, "hello", payload)
		b.Add(1)
		return nil
	}))

	require.NoError(t, q.Publish(queue.TopicNotices, "hello"))
	q.Drain()

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestFailedHandlerIsRetried(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("jobs", func(payload any) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, q.Publish("jobs", 1))
	q.Drain()
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())
	assert.Error(t, q.Subscribe("jobs", nil))
}

func TestEachSubscriberSeesPublishOrder(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())

	const n = 200
	var mu sync.Mutex
	got := map[int][]int{}
	for sub := 0; sub < 2; sub++ {
		sub := sub
		require.NoError(t, q.Subscribe(queue.TopicNotices, func(payload any) error {
			mu.Lock()
			defer mu.Unlock()
			got[sub] = append(got[sub], payload.(int))
			return nil
		}))
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Publish(queue.TopicNotices, i))
	}
	q.Drain()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got[0])
	assert.Equal(t, want, got[1])
}
