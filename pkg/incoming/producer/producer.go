package producer

import (
	"context"

	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/IBM/sarama"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
)

// Producer publishes records to the message broker.
type Producer interface {
	Send(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

type kafkaProducer struct {
	producer sarama.SyncProducer
	logger   log.Logger
}

func NewKafkaProducer(brokers []string, clientID string, logger log.Logger) (Producer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewProducer(p, logger), nil
}

// NewProducer wraps an already connected sarama producer.
func NewProducer(p sarama.SyncProducer, logger log.Logger) Producer {
	return &kafkaProducer{producer: p, logger: logger}
}

func (p *kafkaProducer) Send(ctx context.Context, topic string, key string, value []byte) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "producer: send to "+topic)
	defer span.Finish()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		level.Error(utils.LoggerFromContext(ctx, p.logger)).Log("err", err, "msg", "Could not publish message", "topic", topic)
		return err
	}
	level.Debug(utils.LoggerFromContext(ctx, p.logger)).Log("msg", "Message published", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.producer.Close()
}
