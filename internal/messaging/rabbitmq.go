package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQEvents publishes terminal task events to a durable RabbitMQ queue
// so external consumers can react to completed conversions.
type RabbitMQEvents struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
}

var _ EventPublisher = (*RabbitMQEvents)(nil)

func NewRabbitMQEvents(rabbitMQURL string) (*RabbitMQEvents, error) {
	p := &RabbitMQEvents{url: rabbitMQURL}
	p.mu.Lock()
	err := p.connect()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// connect requires p.mu to be held.
func (p *RabbitMQEvents) connect() error {
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		p.conn, err = amqp.Dial(p.url)
		if err == nil {
			p.channel, err = p.conn.Channel()
			if err != nil {
				p.conn.Close()
				return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
			}

			_, err = p.channel.QueueDeclare(TaskEventQueue, true, false, false, false, nil)
			if err != nil {
				p.channel.Close()
				p.conn.Close()
				return fmt.Errorf("failed to declare queue %s: %w", TaskEventQueue, err)
			}

			log.Println("RabbitMQ channel opened and event queue declared.")

			go p.handleReconnect(p.conn)

			return nil
		}
		log.Printf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, MaxConnectRetry, err, RetryDelay)
		time.Sleep(RetryDelay)
	}
	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", MaxConnectRetry, err)
}

func (p *RabbitMQEvents) handleReconnect(conn *amqp.Connection) {
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)

	err := <-notifyClose // Block until connection closes
	if err == nil {
		return // Clean shutdown.
	}
	log.Printf("RabbitMQ connection closed: %v. Attempting to reconnect...", err)
	p.mu.Lock()
	p.channel = nil
	p.conn = nil
	p.mu.Unlock()
	for {
		p.mu.Lock()
		connectErr := p.connect()
		p.mu.Unlock()
		if connectErr == nil {
			log.Println("Successfully reconnected to RabbitMQ.")
			return
		}
		time.Sleep(RetryDelay * 2)
	}
}

func (p *RabbitMQEvents) PublishTaskEvent(ctx context.Context, event TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("cannot publish: failed to reconnect: %w", err)
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		"",             // exchange (default)
		TaskEventQueue, // routing key (queue name)
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish task event for %s: %w", event.TaskId, err)
	}
	return nil
}

func (p *RabbitMQEvents) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	log.Println("RabbitMQ event publisher closed.")
}
