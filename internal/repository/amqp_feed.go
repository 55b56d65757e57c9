package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

const DefaultChangeExchange = "row_changes"

// AMQPFeed consumes row changes that the store side publishes to a topic
// exchange, one routing key per collection and company.
type AMQPFeed struct {
	URL      string
	Exchange string
	Logger   zerolog.Logger
}

var _ feed.Source = (*AMQPFeed)(nil)

// RoutingKey returns the key change events of a company are published with.
func RoutingKey(collection model.Collection, companyID string) string {
	return fmt.Sprintf("%s.%s", collection, companyID)
}

func (f *AMQPFeed) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	exchange := f.Exchange
	if exchange == "" {
		exchange = DefaultChangeExchange
	}

	dialTimeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}
	conn, err := amqp.DialConfig(f.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	deliveries, err := f.bind(conn, exchange, RoutingKey(collection, companyID))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	logger := f.Logger.With().Str("component", "amqp-feed").Str("collection", string(collection)).Logger()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	pipe := feed.NewPipe(64, conn.Close)

	go func() {
		for {
			select {
			case <-pipe.Done():
				return
			case amqpErr, ok := <-closed:
				if ok && amqpErr != nil {
					pipe.Fail(fmt.Errorf("%w: %v", appErrors.ErrSubscriptionLost, amqpErr))
				} else {
					pipe.Fail(appErrors.ErrSubscriptionLost)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					pipe.Fail(appErrors.ErrSubscriptionLost)
					return
				}
				ev, err := decodeChange(collection, d.Body)
				if err != nil {
					logger.Error().Err(err).Msg("dropping malformed change message")
					continue
				}
				if ev.CompanyID == "" {
					ev.CompanyID = companyID
				}
				pipe.Send(ev)
			}
		}
	}()

	logger.Info().Str("exchange", exchange).Msg("consuming row changes")
	return pipe, nil
}

func (f *AMQPFeed) bind(conn *amqp.Connection, exchange, key string) (<-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		true, // autoAck
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	return msgs, nil
}
