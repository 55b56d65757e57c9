package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSource answers Subscribe calls from a queue of results. Once the
// queue is drained every call returns fallback.
type scriptedSource struct {
	mu       sync.Mutex
	results  []func() (feed.Subscription, error)
	fallback error
	calls    int
}

func (s *scriptedSource) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil, s.fallback
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next()
}

func live(p *feed.Pipe) func() (feed.Subscription, error) {
	return func() (feed.Subscription, error) { return p, nil }
}

func fail(err error) func() (feed.Subscription, error) {
	return func() (feed.Subscription, error) { return nil, err }
}

type recordingHandler struct {
	mu        sync.Mutex
	events    []model.ChangeEvent
	refreshes int
}

func (h *recordingHandler) HandleChange(ev model.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	return nil
}

func (h *recordingHandler) refreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

func (h *recordingHandler) received() []model.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ChangeEvent(nil), h.events...)
}

type transitions struct {
	mu   sync.Mutex
	seen [][2]feed.State
}

func (t *transitions) record(from, to feed.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, [2]feed.State{from, to})
}

func (t *transitions) list() [][2]feed.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]feed.State(nil), t.seen...)
}

func options(tr *transitions, retry feed.Retryer) feed.Options {
	return feed.Options{
		Collection:       model.CollectionBirthdays,
		CompanyID:        "acme",
		PollInterval:     10 * time.Millisecond,
		SubscribeTimeout: time.Second,
		Retryer:          retry,
		Logger:           zerolog.Nop(),
		OnStateChange:    tr.record,
	}
}

func TestListenerFallsBackToPollingWhenSubscribeFails(t *testing.T) {
	source := &scriptedSource{fallback: errors.New("connection refused")}
	handler := &recordingHandler{}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Hour}))

	require.Eventually(t, func() bool {
		return l.State() == feed.StateFallbackPolling && handler.refreshCount() >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	assert.Equal(t, feed.StateClosed, l.State())
	assert.Equal(t, [][2]feed.State{
		{feed.StateConnecting, feed.StateDegraded},
		{feed.StateDegraded, feed.StateFallbackPolling},
		{feed.StateFallbackPolling, feed.StateClosed},
	}, tr.list())
}

func TestListenerForwardsEventsForItsCompanyInOrder(t *testing.T) {
	pipe := feed.NewPipe(8, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){live(pipe)}}
	handler := &recordingHandler{}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Hour}))
	defer l.Close()

	require.Eventually(t, func() bool { return l.State() == feed.StateLive }, time.Second, 5*time.Millisecond)

	require.True(t, pipe.Send(model.ChangeEvent{Type: model.EventInsert, CompanyID: "acme", New: &model.Record{ID: "1"}}))
	require.True(t, pipe.Send(model.ChangeEvent{Type: model.EventInsert, CompanyID: "other", New: &model.Record{ID: "2"}}))
	require.True(t, pipe.Send(model.ChangeEvent{Type: model.EventDelete, CompanyID: "acme", Old: &model.Record{ID: "1"}}))

	require.Eventually(t, func() bool { return len(handler.received()) == 2 }, time.Second, 5*time.Millisecond)
	got := handler.received()
	assert.Equal(t, model.EventInsert, got[0].Type)
	assert.Equal(t, model.EventDelete, got[1].Type)
	assert.Equal(t, 0, handler.refreshCount())
}

func TestListenerReconnectCancelsPoller(t *testing.T) {
	pipe := feed.NewPipe(8, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){
		fail(errors.New("timeout")),
		fail(errors.New("still down")),
		live(pipe),
	}}
	handler := &recordingHandler{}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: 20 * time.Millisecond}))
	defer l.Close()

	require.Eventually(t, func() bool { return l.State() == feed.StateLive }, time.Second, 5*time.Millisecond)

	// catch-up refresh runs right after the transition
	time.Sleep(30 * time.Millisecond)
	settled := handler.refreshCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, handler.refreshCount(), "poller kept running after reconnect")

	assert.Contains(t, tr.list(), [2]feed.State{feed.StateFallbackPolling, feed.StateLive})
}

func TestListenerResubscribesAfterAbnormalClose(t *testing.T) {
	first := feed.NewPipe(8, nil)
	second := feed.NewPipe(8, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){live(first), live(second)}}
	handler := &recordingHandler{}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Hour}))
	defer l.Close()

	require.Eventually(t, func() bool { return l.State() == feed.StateLive }, time.Second, 5*time.Millisecond)
	first.Fail(errors.New("socket reset"))

	require.Eventually(t, func() bool { return handler.refreshCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, feed.StateLive, l.State())
	assert.Equal(t, [][2]feed.State{
		{feed.StateConnecting, feed.StateLive},
		{feed.StateLive, feed.StateDegraded},
		{feed.StateDegraded, feed.StateLive},
	}, tr.list())

	require.True(t, second.Send(model.ChangeEvent{Type: model.EventUpdate, CompanyID: "acme", New: &model.Record{ID: "3"}}))
	require.Eventually(t, func() bool { return len(handler.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerPollsForeverWhenFeedUnsupported(t *testing.T) {
	source := &scriptedSource{fallback: appErrors.ErrFeedUnsupported}
	handler := &recordingHandler{}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Millisecond}))

	require.Eventually(t, func() bool { return handler.refreshCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, feed.StateFallbackPolling, l.State())

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	assert.LessOrEqual(t, calls, 2)

	require.NoError(t, l.Close())
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	pipe := feed.NewPipe(1, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){live(pipe)}}
	tr := &transitions{}

	l := feed.Open(source, &recordingHandler{}, options(tr, nil))
	require.Eventually(t, func() bool { return l.State() == feed.StateLive }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, feed.StateClosed, l.State())

	select {
	case <-pipe.Done():
	default:
		t.Fatal("subscription left open after Close")
	}
	assert.False(t, pipe.Send(model.ChangeEvent{}))
}

// hangingSource never answers until the subscribe context ends.
type hangingSource struct{}

func (hangingSource) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestListenerSubscribeTimeoutFallsBackToPolling(t *testing.T) {
	handler := &recordingHandler{}
	tr := &transitions{}
	opts := options(tr, feed.FixedDelay{Delay: time.Hour})
	opts.SubscribeTimeout = 20 * time.Millisecond

	l := feed.Open(hangingSource{}, handler, opts)

	require.Eventually(t, func() bool {
		return l.State() == feed.StateFallbackPolling && handler.refreshCount() >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	assert.Equal(t, [][2]feed.State{
		{feed.StateConnecting, feed.StateDegraded},
		{feed.StateDegraded, feed.StateFallbackPolling},
		{feed.StateFallbackPolling, feed.StateClosed},
	}, tr.list())
}

// loadingHandler fails its first failures refreshes and reports Loaded
// once one succeeds.
type loadingHandler struct {
	recordingHandler
	failures int
	loaded   bool
}

func (h *loadingHandler) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	if h.failures > 0 {
		h.failures--
		return errors.New("connection refused")
	}
	h.loaded = true
	return nil
}

func (h *loadingHandler) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func TestListenerRetriesUnloadedHandlerWhileLive(t *testing.T) {
	pipe := feed.NewPipe(8, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){live(pipe)}}
	handler := &loadingHandler{failures: 2}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Hour}))
	defer l.Close()

	require.Eventually(t, handler.Loaded, time.Second, 5*time.Millisecond)
	assert.Equal(t, feed.StateLive, l.State())
	assert.Equal(t, 3, handler.refreshCount())

	// retries stop once loaded
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 3, handler.refreshCount())
}

func TestListenerSkipsLoadRetryWhenLoaded(t *testing.T) {
	pipe := feed.NewPipe(8, nil)
	source := &scriptedSource{results: []func() (feed.Subscription, error){live(pipe)}}
	handler := &loadingHandler{loaded: true}
	tr := &transitions{}

	l := feed.Open(source, handler, options(tr, feed.FixedDelay{Delay: time.Hour}))
	defer l.Close()

	require.Eventually(t, func() bool { return l.State() == feed.StateLive }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, handler.refreshCount())
}
