package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"hive.evalgo.org/common"
)

// RabbitPublisher publishes run events to a durable RabbitMQ queue.
type RabbitPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewRabbitPublisher connects to RabbitMQ, opens a channel and declares the
// event queue as durable.
func NewRabbitPublisher(url, queueName string) (*RabbitPublisher, error) {
	return NewRabbitPublisherWithDialer(url, queueName, realDialer{})
}

// NewRabbitPublisherWithDialer creates a publisher with an injected dialer
// for testing.
func NewRabbitPublisherWithDialer(url, queueName string, dialer AMQPDialer) (*RabbitPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable so events survive broker restarts.
	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitPublisher{
		connection: conn,
		channel:    ch,
		queueName:  queueName,
	}, nil
}

// PublishRunEvent serializes the event to JSON and publishes it on the
// default exchange with the queue name as routing key. Missing EventID and
// OccurredAt are filled in.
func (p *RabbitPublisher) PublishRunEvent(event RunEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.Publish(
		"",          // exchange (empty string means default exchange)
		p.queueName, // routing key (queue name)
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   event.EventID,
			Timestamp:   event.OccurredAt,
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"run_id":   event.RunID,
		"type":     event.Type,
	}).Debug("Published run event")
	return nil
}

// Close closes the RabbitMQ channel and connection. Safe to call on a
// partially constructed publisher.
func (p *RabbitPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}
