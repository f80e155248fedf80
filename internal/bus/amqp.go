package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig selects the queue the gateway publishes to and consumes from.
type AMQPConfig struct {
	Queue       string
	ConsumerTag string
}

type amqpConn struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     AMQPConfig
	log     *zap.Logger
}

// AMQPDialer returns a Dialer establishing AMQP links. host is the full
// amqp:// URL of the upstream.
func AMQPDialer(cfg AMQPConfig, log *zap.Logger) Dialer {
	return func(_ context.Context, host string) (Conn, error) {
		conn, err := amqp.Dial(host)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("amqp queue declare: %w", err)
		}
		return &amqpConn{
			conn:    conn,
			channel: ch,
			cfg:     cfg,
			log:     log.With(zap.String("module", "bus-amqp")),
		}, nil
	}
}

func (c *amqpConn) Publish(ctx context.Context, msg Message) error {
	return c.channel.PublishWithContext(ctx,
		"",          // default exchange
		c.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/octet-stream",
			MessageId:   msg.Name,
			Body:        msg.Payload,
		},
	)
}

func (c *amqpConn) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.channel.Consume(
		c.cfg.Queue,
		c.cfg.ConsumerTag,
		false, // manual ack: confirm only after local handling
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Payload: d.Body, ack: func() error { return d.Ack(false) }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *amqpConn) Close() error {
	if err := c.channel.Close(); err != nil {
		c.log.Warn("amqp channel close failed", zap.Error(err))
	}
	return c.conn.Close()
}
