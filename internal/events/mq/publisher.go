// Package mq publishes workflow events to a RabbitMQ topic exchange.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"vms.org/internal/events"
	"vms.org/internal/obs"
)

const dialTimeout = 5 * time.Second

// ErrClosed is returned once the publisher has been closed.
var ErrClosed = errors.New("mq: publisher closed")

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection with its publishing channel. closed
// fires when either side is shut down by the broker or the network.
type session struct {
	ch     channel
	conn   io.Closer
	closed []<-chan *amqp.Error
}

func (s *session) dead() bool {
	for _, c := range s.closed {
		select {
		case <-c:
			return true
		default:
		}
	}
	return false
}

func (s *session) close() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Publisher implements events.Sink over an AMQP channel. A dropped
// connection is redialed on the next publish or readiness check.
type Publisher struct {
	exchange string
	dial     func() (*session, error)

	mu       sync.Mutex
	sess     *session
	shutdown bool
}

// NewPublisher dials the broker and declares a durable topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	p := &Publisher{
		exchange: exchange,
		dial:     func() (*session, error) { return dialSession(url, exchange) },
	}
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialSession(url, exchange string) (*session, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &session{
		ch:   ch,
		conn: conn,
		closed: []<-chan *amqp.Error{
			conn.NotifyClose(make(chan *amqp.Error, 1)),
			ch.NotifyClose(make(chan *amqp.Error, 1)),
		},
	}, nil
}

// channel returns the live channel, redialing when the previous session died.
func (p *Publisher) channel() (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrClosed
	}
	if p.sess != nil && !p.sess.dead() {
		return p.sess.ch, nil
	}
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
		obs.Warn("rabbitmq connection lost, redialing", map[string]any{"exchange": p.exchange})
	}
	s, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.sess = s
	return s.ch, nil
}

// drop discards ch's session if it is still current.
func (p *Publisher) drop(ch channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil && p.sess.ch == ch {
		p.sess.close()
		p.sess = nil
	}
}

// PublishJSON publishes v as a persistent JSON message. A publish on a
// closed channel is retried once on a fresh connection.
func (p *Publisher) PublishJSON(ctx context.Context, key, messageID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         b,
	}
	for attempt := 0; ; attempt++ {
		ch, err := p.channel()
		if err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
		if err == nil || !errors.Is(err, amqp.ErrClosed) || attempt > 0 {
			return err
		}
		p.drop(ch)
	}
}

// Handle publishes the event under its routing key.
func (p *Publisher) Handle(ctx context.Context, e events.Event) error {
	if err := p.PublishJSON(ctx, e.RoutingKey(), e.ID, e); err != nil {
		return fmt.Errorf("publish %s: %w", e.RoutingKey(), err)
	}
	return nil
}

// Ready reports whether the broker is reachable, redialing if needed.
func (p *Publisher) Ready(context.Context) error {
	_, err := p.channel()
	return err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
	return nil
}
