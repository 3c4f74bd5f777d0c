package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alertfeed/internal/backoff"
	"alertfeed/internal/config"
	"alertfeed/internal/domain"

	"github.com/segmentio/kafka-go"
)

// kafkaReader is the subset of *kafka.Reader used by consumer.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads alert payloads from a consumer-group topic and forwards them to sink.
// Params: kafka reader, sink, retry policy for fetch errors, and logger.
// Returns: Kafka ingest lifecycle handle.
type KafkaConsumer struct {
	reader kafkaReader
	sink   AlertSink
	retry  backoff.Policy
	logger *slog.Logger
}

// NewKafkaConsumer creates consumer-group reader for alert ingestion.
// Params: ingest Kafka config, sink, and optional logger.
// Returns: consumer ready for Run.
func NewKafkaConsumer(cfg config.KafkaIngestConfig, sink AlertSink, logger *slog.Logger) *KafkaConsumer {
	readerConfig := kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0,
	}
	if logger != nil {
		readerConfig.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("kafka reader error", "detail", fmt.Sprintf(msg, args...))
		})
	}
	return newKafkaConsumer(kafka.NewReader(readerConfig), sink, logger)
}

func newKafkaConsumer(reader kafkaReader, sink AlertSink, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: reader,
		sink:   sink,
		retry:  backoff.New(string(backoff.ModeExponential), 200, 10_000, 0.2, 0),
		logger: logger,
	}
}

// Run fetches, merges, and commits messages until context is done.
// Params: lifecycle context.
// Returns: nil on context cancellation.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	failures := 0
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			failures++
			if c.logger != nil {
				c.logger.Warn("kafka fetch failed", "attempt", failures, "error", err.Error())
			}
			if waitErr := c.retry.Wait(ctx, failures); waitErr != nil {
				return nil
			}
			continue
		}
		failures = 0

		if _, decodeErr := ingestPayload(c.sink, domain.SourceKafka, message.Value); decodeErr != nil && c.logger != nil {
			c.logger.Warn("kafka ingest decode failed",
				"topic", message.Topic,
				"partition", message.Partition,
				"offset", message.Offset,
				"error", decodeErr.Error(),
				"payload", string(message.Value),
			)
		}
		// Malformed messages are committed too so one bad record cannot stall the partition.
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.logger != nil {
				c.logger.Warn("kafka commit failed", "offset", message.Offset, "error", err.Error())
			}
		}
	}
}

// Close closes underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
