package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{channel: ch, exchange: exchange}, nil
}

// StatusPublisher emits a message on every job status transition. It is the
// additive notification channel next to the polling API; consumers that want
// push semantics bind to the mesh.status routing key.
type StatusPublisher struct {
	pub        *Publisher
	routingKey string
}

func NewStatusPublisher(pub *Publisher, queue string) (*StatusPublisher, error) {
	if _, err := pub.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare status queue: %w", err)
	}
	if err := pub.channel.QueueBind(queue, "mesh.status", pub.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind status queue: %w", err)
	}
	return &StatusPublisher{pub: pub, routingKey: "mesh.status"}, nil
}

func (sp *StatusPublisher) PublishStatus(ctx context.Context, msg []byte) error {
	return sp.pub.channel.PublishWithContext(ctx,
		sp.pub.exchange,
		sp.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}
