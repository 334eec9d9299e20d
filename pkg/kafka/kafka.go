// pkg/kafka/kafka.go
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"

	"github.com/YaganovValera/market-stream/pkg/backoff"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Producer описывает контракт для публикации сообщений в Kafka
// и проверки живости клиента.
type Producer interface {
	// Publish публикует сообщение в заданный топик.
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Ping проверяет, что Kafka доступна (refresh metadata).
	Ping() error
	// Close корректно закрывает продьюсер и клиент.
	Close() error
}

// Config задаёт настройки продьюсера.
type Config struct {
	Brokers        []string       `mapstructure:"brokers"`
	RequiredAcks   string         `mapstructure:"acks"`        // all | leader | none
	Compression    string         `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	Timeout        time.Duration  `mapstructure:"timeout"`
	FlushFrequency time.Duration  `mapstructure:"flush_frequency"`
	FlushMessages  int            `mapstructure:"flush_messages"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	switch strings.ToLower(c.RequiredAcks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka: acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka: compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	return nil
}

type syncProducer struct {
	client sarama.Client
	prod   sarama.SyncProducer
	log    *logger.Logger
}

// New создаёт SyncProducer с otel-обёрткой; подключение ретраится с бэкоффом.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	scfg := sarama.NewConfig()
	scfg.Producer.Return.Successes = true
	scfg.Producer.Timeout = cfg.Timeout
	scfg.Producer.Flush.Frequency = cfg.FlushFrequency
	scfg.Producer.Flush.Messages = cfg.FlushMessages

	switch strings.ToLower(cfg.RequiredAcks) {
	case "all":
		scfg.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		scfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		scfg.Producer.RequiredAcks = sarama.NoResponse
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		scfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		scfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		scfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		scfg.Producer.Compression = sarama.CompressionZSTD
	default:
		scfg.Producer.Compression = sarama.CompressionNone
	}

	var client sarama.Client
	err := backoff.Execute(ctx, cfg.Backoff, log, func(context.Context) error {
		var cErr error
		client, cErr = sarama.NewClient(cfg.Brokers, scfg)
		return cErr
	})
	if err != nil {
		return nil, fmt.Errorf("kafka: connect: %w", err)
	}

	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	log.Sugar().Infow("kafka: producer ready", "brokers", cfg.Brokers)
	return &syncProducer{
		client: client,
		prod:   otelsarama.WrapSyncProducer(scfg, prod),
		log:    log,
	}, nil
}

func (p *syncProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	_, _, err := p.prod.SendMessage(msg)
	return err
}

func (p *syncProducer) Ping() error {
	return p.client.RefreshMetadata()
}

func (p *syncProducer) Close() error {
	if err := p.prod.Close(); err != nil {
		p.client.Close()
		return err
	}
	return p.client.Close()
}
