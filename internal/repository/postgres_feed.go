package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

// PostgresFeed streams row changes published by the notify_entry_change
// trigger over LISTEN/NOTIFY.
type PostgresFeed struct {
	DSN          string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Logger       zerolog.Logger
}

var _ feed.Source = (*PostgresFeed)(nil)

// ChannelFor returns the NOTIFY channel of a collection.
func ChannelFor(collection model.Collection) string {
	return collection.Table() + "_changes"
}

func (f *PostgresFeed) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	minReconnect, maxReconnect := f.MinReconnect, f.MaxReconnect
	if minReconnect <= 0 {
		minReconnect = time.Second
	}
	if maxReconnect <= 0 {
		maxReconnect = time.Minute
	}

	logger := f.Logger.With().Str("component", "pg-feed").Str("collection", string(collection)).Logger()

	lost := make(chan error, 1)
	listener := pq.NewListener(f.DSN, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if ev != pq.ListenerEventDisconnected {
			return
		}
		select {
		case lost <- err:
		default:
		}
	})
	pipe := feed.NewPipe(64, listener.Close)

	channel := ChannelFor(collection)
	listened := make(chan error, 1)
	go func() { listened <- listener.Listen(channel) }()

	select {
	case err := <-listened:
		if err != nil {
			pipe.Close()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	case <-ctx.Done():
		pipe.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, ctx.Err())
	}

	go func() {
		for {
			select {
			case <-pipe.Done():
				return
			case err := <-lost:
				// notifications raised while disconnected are not replayed
				logger.Warn().Err(err).Msg("postgres listener lost its connection")
				pipe.Fail(fmt.Errorf("%w: %v", appErrors.ErrSubscriptionLost, err))
				return
			case n, ok := <-listener.Notify:
				if !ok {
					pipe.Fail(appErrors.ErrSubscriptionLost)
					return
				}
				if n == nil {
					// pq re-established the connection; anything in between is gone
					pipe.Fail(appErrors.ErrSubscriptionLost)
					return
				}
				ev, err := decodeChange(collection, []byte(n.Extra))
				if err != nil {
					logger.Error().Err(err).Msg("dropping malformed change notification")
					continue
				}
				if ev.CompanyID != companyID {
					continue
				}
				pipe.Send(ev)
			}
		}
	}()

	logger.Info().Str("channel", channel).Msg("listening for row changes")
	return pipe, nil
}
