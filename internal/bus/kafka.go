package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig selects the topic and the consumer group the gateway uses.
type KafkaConfig struct {
	Topic   string
	GroupID string
}

type kafkaConn struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    *zap.Logger
}

// KafkaDialer returns a Dialer establishing Kafka links. host is a
// comma-separated broker list.
func KafkaDialer(cfg KafkaConfig, log *zap.Logger) Dialer {
	return func(_ context.Context, host string) (Conn, error) {
		brokers := strings.Split(host, ",")
		writer := &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		})
		return &kafkaConn{
			writer: writer,
			reader: reader,
			log:    log.With(zap.String("module", "bus-kafka")),
		}, nil
	}
}

func (c *kafkaConn) Publish(ctx context.Context, msg Message) error {
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Name),
		Value: msg.Payload,
	})
}

func (c *kafkaConn) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("kafka fetch failed", zap.Error(err))
				}
				return
			}
			select {
			case out <- Delivery{
				Payload: m.Value,
				ack:     func() error { return c.reader.CommitMessages(ctx, m) },
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *kafkaConn) Close() error {
	if err := c.reader.Close(); err != nil {
		c.log.Warn("kafka reader close failed", zap.Error(err))
	}
	if err := c.writer.Close(); err != nil {
		return fmt.Errorf("kafka writer close: %w", err)
	}
	return nil
}
