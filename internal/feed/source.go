package feed

import (
	"context"
	"sync"

	"github.com/unclebandit/campaign-dashboard/internal/model"
)

// Source opens change subscriptions against a store.
//
// Subscribe returns once the store acknowledged the subscription. ctx bounds
// that handshake only; the returned Subscription lives until it is closed or
// fails.
type Source interface {
	Subscribe(ctx context.Context, collection model.Collection, companyID string) (Subscription, error)
}

// Subscription is one live change feed.
type Subscription interface {
	Events() <-chan model.ChangeEvent
	// Done is closed when the subscription ends. Err reports a non-nil
	// error when it ended for any reason other than Close.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Handler receives what a Listener observes.
type Handler interface {
	HandleChange(ev model.ChangeEvent)
	// Refresh re-fetches the whole collection.
	Refresh(ctx context.Context) error
}

// Loader is implemented by handlers that know whether a fetch has
// succeeded yet. A Listener keeps re-fetching such a handler on the poll
// interval until it has loaded.
type Loader interface {
	Loaded() bool
}

// Pipe is a ready-made Subscription for Source implementations.
type Pipe struct {
	events  chan model.ChangeEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func() error
}

var _ Subscription = (*Pipe)(nil)

// NewPipe returns a pipe buffering up to size events. onClose, when set,
// releases the underlying resources and runs exactly once.
func NewPipe(size int, onClose func() error) *Pipe {
	return &Pipe{
		events:  make(chan model.ChangeEvent, size),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *Pipe) Events() <-chan model.ChangeEvent { return p.events }

func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send delivers ev unless the pipe already ended.
func (p *Pipe) Send(ev model.ChangeEvent) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// Fail ends the subscription abnormally.
func (p *Pipe) Fail(err error) {
	p.finish(err)
}

func (p *Pipe) Close() error {
	return p.finish(nil)
}

func (p *Pipe) finish(err error) error {
	var closeErr error
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		if p.onClose != nil {
			closeErr = p.onClose()
		}
	})
	return closeErr
}
