package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "jobsched/pkg/logx"
)

const (
	DefaultExchange = "jobsched.events"

	redialBase = time.Second
	redialMax  = 30 * time.Second
)

// AMQP publishes to a durable topic exchange. The connection is opened on
// first use and reopened after it drops, with exponential backoff between
// failed dials.
type AMQP struct {
	url      string
	exchange string
	log      logx.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	delay     time.Duration
	nextDial  time.Time
	lastError error
	closed    bool
}

func NewAMQP(url, exchange string, log logx.Logger) *AMQP {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQP{url: url, exchange: exchange, log: log}
}

func (p *AMQP) Exchange() string { return p.exchange }

func (p *AMQP) Publish(ctx context.Context, key string, msg Message, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Time,
		Type:         msg.Type,
		Body:         body,
	})
	if err != nil {
		p.drop(ch)
		return fmt.Errorf("publish %s/%s: %w", p.exchange, key, err)
	}
	return nil
}

// channel returns a live channel, dialing if needed.
func (p *AMQP) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("relay: publisher closed")
	}
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	now := time.Now()
	if now.Before(p.nextDial) {
		return nil, &errNoBroker{until: p.nextDial, err: p.lastError}
	}
	conn, ch, err := p.dial()
	if err != nil {
		p.delay = min(max(p.delay*2, redialBase), redialMax)
		p.nextDial = now.Add(p.delay)
		p.lastError = err
		return nil, err
	}
	if p.delay > 0 {
		p.log.Info("relay reconnected", logx.String("exchange", p.exchange))
	}
	p.conn, p.ch = conn, ch
	p.delay, p.nextDial, p.lastError = 0, time.Time{}, nil
	return ch, nil
}

func (p *AMQP) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return conn, ch, nil
}

// drop discards ch after a failed publish so the next call redials.
func (p *AMQP) drop(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.closeLocked()
	}
}

func (p *AMQP) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeLocked()
	return nil
}
