package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/config"
	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// IntelPublisher mirrors verification events onto a Kafka topic so
// downstream consumers (SIEM pipelines, data lakes) see the same feed
// the agents do.
type IntelPublisher struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewIntelPublisher creates a Kafka producer for verified intel.
func NewIntelPublisher(cfg *config.Config, logger *zap.Logger) (*IntelPublisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	util.Info("Kafka intel publisher initialized",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)

	return &IntelPublisher{
		writer: writer,
		topic:  cfg.Kafka.Topic,
		logger: logger,
	}, nil
}

// PublishVerified writes one verified IOC, keyed by its id so replays
// of the same indicator land in the same partition.
func (p *IntelPublisher) PublishVerified(ctx context.Context, ioc *model.IOC) error {
	value, err := json.Marshal(ioc)
	if err != nil {
		return fmt.Errorf("encode verified ioc: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ioc.ID),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish verified ioc %s: %w", ioc.ID, err)
	}
	return nil
}

func (p *IntelPublisher) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.logger.Error("failed to close Kafka intel publisher", zap.Error(err))
			return err
		}
		util.Info("Kafka intel publisher closed")
	}
	return nil
}
