package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
)

// Options configures a Listener.
type Options struct {
	Collection model.Collection
	CompanyID  string

	// PollInterval is the re-fetch period while live updates are down.
	PollInterval time.Duration
	// SubscribeTimeout bounds each subscribe handshake.
	SubscribeTimeout time.Duration
	// Retryer paces reconnect attempts while polling.
	Retryer Retryer

	Logger zerolog.Logger

	// OnStateChange runs on the listener goroutine after each transition.
	OnStateChange func(from, to State)
}

// Listener keeps a best-effort live subscription for one collection and
// company, and falls back to polling while the feed is unavailable.
type Listener struct {
	source  Source
	handler Handler
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	state State

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	loadCancel context.CancelFunc
	loadDone   chan struct{}
}

// Open starts a listener. The returned handle must be closed.
func Open(source Source, handler Handler, opts Options) *Listener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.Retryer == nil {
		opts.Retryer = NewExponentialBackoff(2*time.Second, time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		source:  source,
		handler: handler,
		opts:    opts,
		logger: opts.Logger.With().
			Str("component", "feed").
			Str("collection", string(opts.Collection)).
			Str("company", opts.CompanyID).
			Logger(),
		state:  StateConnecting,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.run(ctx)
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close unsubscribes and stops any poller. It is safe to call repeatedly.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done
		l.transition(StateClosed)
	})
	return nil
}

func (l *Listener) transition(newState State) {
	l.mu.Lock()
	from := l.state
	next, err := from.TransitionTo(newState)
	if err != nil {
		l.mu.Unlock()
		l.logger.Error().Err(err).Msg("listener state transition rejected")
		return
	}
	l.state = next
	l.mu.Unlock()

	if from == next {
		return
	}
	l.logger.Debug().Stringer("from", from).Stringer("to", next).Msg("listener state transitioned")
	if l.opts.OnStateChange != nil {
		l.opts.OnStateChange(from, next)
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.stopPoller()
	defer l.stopLoader()

	sub, err := l.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		sub = nil
		l.logger.Warn().Err(err).Msg("subscribe failed, falling back to polling")
		l.transition(StateDegraded)
		l.enterFallback(ctx)
	} else {
		l.transition(StateLive)
		l.startLoader(ctx)
	}

	attempt := 0
	for {
		if sub == nil {
			sub = l.reconnect(ctx, attempt)
			if ctx.Err() != nil {
				return
			}
			if sub == nil {
				attempt++
				continue
			}
			attempt = 0
			l.stopPoller()
			l.transition(StateLive)
			l.catchUp(ctx)
		}

		err := l.consume(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn().Err(err).Msg("live subscription ended")
		l.transition(StateDegraded)

		sub, err = l.subscribe(ctx)
		if err == nil && sub != nil {
			l.transition(StateLive)
			l.catchUp(ctx)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn().Err(err).Msg("resubscribe failed, falling back to polling")
		sub = nil
		l.enterFallback(ctx)
	}
}

func (l *Listener) subscribe(ctx context.Context) (Subscription, error) {
	subCtx, cancel := context.WithTimeout(ctx, l.opts.SubscribeTimeout)
	defer cancel()
	return l.source.Subscribe(subCtx, l.opts.Collection, l.opts.CompanyID)
}

// reconnect waits for the next backoff slot and tries once. It returns nil
// when the attempt failed or ctx ended.
func (l *Listener) reconnect(ctx context.Context, attempt int) Subscription {
	delay, ok := l.opts.Retryer.NextDelay(attempt)
	if !ok {
		// out of attempts: keep polling until closed
		<-ctx.Done()
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	sub, err := l.subscribe(ctx)
	if err != nil {
		if errors.Is(err, appErrors.ErrFeedUnsupported) {
			// nothing to reconnect to; polling is permanent
			<-ctx.Done()
			return nil
		}
		l.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
		return nil
	}
	l.logger.Info().Msg("live subscription restored")
	return sub
}

// consume forwards events until the subscription ends or ctx is cancelled.
func (l *Listener) consume(ctx context.Context, sub Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Events():
			if ev.CompanyID != "" && ev.CompanyID != l.opts.CompanyID {
				continue
			}
			l.handler.HandleChange(ev)
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return appErrors.ErrSubscriptionLost
		}
	}
}

// catchUp re-fetches once after a gap in live delivery.
func (l *Listener) catchUp(ctx context.Context) {
	if err := l.handler.Refresh(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn().Err(err).Msg("catch-up refresh failed")
	}
}

// startLoader re-fetches until the handler has loaded. It covers a failed
// initial load while live delivery is up and no poller runs.
func (l *Listener) startLoader(ctx context.Context) {
	loader, ok := l.handler.(Loader)
	if !ok || loader.Loaded() || l.loadCancel != nil {
		return
	}
	loadCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.loadCancel = cancel
	l.loadDone = done

	interval := l.opts.PollInterval
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := l.handler.Refresh(loadCtx); err != nil && loadCtx.Err() == nil {
				l.logger.Warn().Err(err).Msg("initial load retry failed")
			}
			if loader.Loaded() {
				l.logger.Info().Msg("initial load recovered")
				return
			}
			select {
			case <-loadCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (l *Listener) stopLoader() {
	if l.loadCancel == nil {
		return
	}
	l.loadCancel()
	<-l.loadDone
	l.loadCancel = nil
	l.loadDone = nil
}

func (l *Listener) enterFallback(ctx context.Context) {
	l.stopLoader()
	l.transition(StateFallbackPolling)
	l.startPoller(ctx)
}

func (l *Listener) startPoller(ctx context.Context) {
	if l.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.pollCancel = cancel
	l.pollDone = done

	interval := l.opts.PollInterval
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		refresh := func() {
			if err := l.handler.Refresh(pollCtx); err != nil && pollCtx.Err() == nil {
				l.logger.Warn().Err(err).Msg("poll refresh failed")
			}
		}
		refresh()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
	l.logger.Info().Dur("interval", interval).Msg("fallback poller started")
}

func (l *Listener) stopPoller() {
	if l.pollCancel == nil {
		return
	}
	l.pollCancel()
	<-l.pollDone
	l.pollCancel = nil
	l.pollDone = nil
}
