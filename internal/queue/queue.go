package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const TopicNotices = "notices"

var ErrNoSubscribers = errors.New("no subscribers for topic")

// Queue fans payloads out to topic subscribers.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue delivers payloads to each subscriber in publish order, one
// at a time, and retries failed handlers with a linear backoff. A
// subscriber's worker goroutine only runs while it has a backlog.
type InMemoryQueue struct {
	mu         sync.Mutex
	subs       map[string][]*subscriber
	logger     zerolog.Logger
	maxRetries int
	backoff    time.Duration
	wg         sync.WaitGroup
}

func NewInMemoryQueue(logger zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		subs:       make(map[string][]*subscriber),
		logger:     logger.With().Str("component", "queue").Logger(),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
}

// job wraps a payload with retry info
type job struct {
	topic      string
	payload    any
	retryCount int
}

type subscriber struct {
	handler func(payload any) error

	mu      sync.Mutex
	backlog []job
	running bool
}

// Publish sends payload to all subscribers of topic.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	subs := append([]*subscriber(nil), q.subs[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	for _, s := range subs {
		q.wg.Add(1)
		s.mu.Lock()
		s.backlog = append(s.backlog, job{topic: topic, payload: payload})
		start := !s.running
		s.running = true
		s.mu.Unlock()
		if start {
			go q.work(s)
		}
	}
	return nil
}

// work drains the backlog of s in order and exits once it is empty.
func (q *InMemoryQueue) work(s *subscriber) {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		j := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		q.process(s.handler, j)
	}
}

func (q *InMemoryQueue) process(handler func(payload any) error, j job) {
	defer q.wg.Done()
	for {
		err := handler(j.payload)
		if err == nil {
			return
		}

		j.retryCount++
		if j.retryCount > q.maxRetries {
			q.logger.Error().Err(err).Str("topic", j.topic).Int("attempts", j.retryCount).Msg("job permanently failed")
			return
		}
		q.logger.Warn().Err(err).Str("topic", j.topic).Int("attempt", j.retryCount).Msg("job failed, retrying")
		time.Sleep(time.Duration(j.retryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic.
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs[topic] = append(q.subs[topic], &subscriber{handler: handler})
	return nil
}

// Drain waits for in-flight deliveries.
func (q *InMemoryQueue) Drain() {
	q.wg.Wait()
}
