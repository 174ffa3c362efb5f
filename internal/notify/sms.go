package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SMSQueue enqueues SMS jobs on a durable RabbitMQ queue; an SMS gateway
// worker drains it.
type SMSQueue struct {
	conn  *amqp.Connection
	chn   *amqp.Channel
	queue string
}

type smsJob struct {
	To   string `json:"to"`
	Kind string `json:"kind"`
	Body string `json:"body"`
}

func NewSMSQueue(url, queue string) (*SMSQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = chn.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &SMSQueue{conn: conn, chn: chn, queue: queue}, nil
}

func (s *SMSQueue) Send(ctx context.Context, to Recipient, msg Message) error {
	if to.Phone == "" {
		return ErrNoAddress
	}
	body, err := json.Marshal(smsJob{To: to.Phone, Kind: msg.Kind, Body: msg.Body})
	if err != nil {
		return err
	}
	return s.chn.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (s *SMSQueue) Close() error {
	if err := s.chn.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}
