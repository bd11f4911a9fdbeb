package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ridenow/internal/models"
)

const reconnInterval = 10 * time.Second

// AMQPPublisher publishes events to a RabbitMQ topic exchange with routing
// key trip.<event type>.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	done         chan struct{}
}

func NewAMQPPublisher(url, exchange string, log *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, log: log.With("component", "amqp"), done: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt models.TripEvent) error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		go p.reconnect()
		return errors.New("rabbitmq connection is closed")
	}
	body, err := Encode(evt)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.exchange, "trip."+string(evt.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.At,
		MessageId:    evt.TripID,
		Body:         body,
	})
}

func (p *AMQPPublisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := p.connect(); err == nil {
				p.log.Info("rabbitmq reconnected")
				p.mu.Lock()
				p.reconnecting = false
				p.mu.Unlock()
				return
			}
			p.log.Warn("rabbitmq failed to reconnect")
		case <-p.done:
			return
		}
	}
}

func (p *AMQPPublisher) Close() error {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
