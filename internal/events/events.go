// Package events announces schedule lifecycle changes to other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/shohag/remindrelay/internal/models"
)

type Event struct {
	Type          string               `json:"type"`
	ScheduleID    string               `json:"schedule_id"`
	Platform      models.Platform      `json:"platform"`
	Status        models.Status        `json:"status"`
	Attempts      int                  `json:"attempts"`
	ErrorCategory models.ErrorCategory `json:"error_category,omitempty"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// NewEvent describes msg in its current state.
func NewEvent(msg *models.ScheduledMessage, at time.Time) Event {
	return Event{
		Type:          RoutingKey(msg.Status),
		ScheduleID:    msg.ID,
		Platform:      msg.Platform,
		Status:        msg.Status,
		Attempts:      msg.Attempts,
		ErrorCategory: msg.ErrorCategory,
		OccurredAt:    at.UTC(),
	}
}

func RoutingKey(status models.Status) string {
	return "schedule." + string(status)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (channel, func() error, error)

// AMQPPublisher publishes JSON events to a topic exchange. The connection is
// opened on first use and dropped after any failure, so the next publish
// redials.
type AMQPPublisher struct {
	url      string
	exchange string
	dial     dialFunc
	log      zerolog.Logger

	mu        sync.Mutex
	ch        channel
	closeConn func() error
}

func NewAMQPPublisher(url, exchange string, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{url: url, exchange: exchange, dial: dialAMQP, log: log}
}

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	err = p.ch.Publish(p.exchange, RoutingKey(ev.Status), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		MessageId:    ev.ScheduleID + "." + string(ev.Status),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, closeConn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		closeConn()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.ch, p.closeConn = ch, closeConn
	p.log.Info().Str("exchange", p.exchange).Msg("connected to event broker")
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.closeConn != nil {
		p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
