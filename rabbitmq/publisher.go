// Package rabbitmq publishes finished image items to an AMQP exchange so
// other services can follow classification outcomes.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periodontal-analyzer/models"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// ErrPublisherClosed is returned by PublishItem after Close.
var ErrPublisherClosed = errors.New("rabbitmq publisher is closed")

// ItemEvent is the message body published for every terminal item.
type ItemEvent struct {
	ItemID                 string          `json:"item_id"`
	BatchID                string          `json:"batch_id"`
	FileName               string          `json:"file_name"`
	Status                 models.Status   `json:"status"`
	Classification         models.Category `json:"classification,omitempty"`
	HasPeriodontalDisease  bool            `json:"has_periodontal_disease"`
	OtherIssuesDescription string          `json:"other_issues_description,omitempty"`
	Confidence             float64         `json:"confidence,omitempty"`
	Error                  string          `json:"error,omitempty"`
	FinishedAt             time.Time       `json:"finished_at"`
}

// NewItemEvent builds the event for a terminal item state.
func NewItemEvent(state models.ImageItemState) ItemEvent {
	ev := ItemEvent{
		ItemID:     state.ID,
		BatchID:    state.BatchID,
		FileName:   state.FileName,
		Status:     state.Status,
		Error:      state.Error,
		FinishedAt: state.UpdatedAt,
	}
	if r := state.Result; r != nil {
		ev.Classification = r.Classification
		ev.HasPeriodontalDisease = r.HasPeriodontalDisease
		ev.OtherIssuesDescription = r.OtherIssuesDescription
		ev.Confidence = r.Confidence
	}
	return ev
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is a reconnecting publisher bound to one direct exchange.
type Publisher struct {
	mu         sync.Mutex
	amqpURL    string
	exchange   string
	routingKey string
	conn       *amqp.Connection
	channel    Channel
	closed     bool
	dial       func(url string) (*amqp.Connection, Channel, error)
}

// NewPublisher connects to amqpURL and declares exchange.
func NewPublisher(amqpURL, exchange, routingKey string) (*Publisher, error) {
	p := &Publisher{
		amqpURL:    amqpURL,
		exchange:   exchange,
		routingKey: routingKey,
		dial:       dialAMQP,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialAMQP(url string) (*amqp.Connection, Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

func (p *Publisher) connectLocked() error {
	conn, ch, err := p.dial(p.amqpURL)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// PublishItem publishes the terminal state of one item.
func (p *Publisher) PublishItem(ctx context.Context, state models.ImageItemState) error {
	body, err := json.Marshal(NewItemEvent(state))
	if err != nil {
		return fmt.Errorf("failed to marshal item event: %w", err)
	}
	return p.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    state.ID,
	})
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.channel == nil || (p.conn != nil && p.conn.IsClosed()) {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(p.exchange, p.routingKey, false, false, msg)
	if err != nil && isConnClosedErr(err) {
		log.Warnf("RabbitMQ connection lost, reconnecting: %v", err)
		p.closeLocked()
		if connErr := p.connectLocked(); connErr != nil {
			return fmt.Errorf("failed to publish message: %w (reconnect failed: %v)", err, connErr)
		}
		err = p.channel.Publish(p.exchange, p.routingKey, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func isConnClosedErr(err error) bool {
	return errors.Is(err, amqp.ErrClosed) || strings.Contains(err.Error(), "channel/connection is not open")
}

// Close closes the channel and connection. Later publishes fail with
// ErrPublisherClosed instead of reconnecting.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var err error
	if p.channel != nil {
		err = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		if connErr := p.conn.Close(); err == nil {
			err = connErr
		}
		p.conn = nil
	}
	return err
}
