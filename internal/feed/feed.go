package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/tags"
)

var errMissingTopic = errors.New("feed topic is required")

// Sighting is the event emitted for every accepted upsert.
type Sighting struct {
	TagID      uint64    `json:"id"`
	Key        string    `json:"key"`
	Address    string    `json:"address"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidTo    time.Time `json:"valid_to"`
	Created    bool      `json:"created"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewSighting describes a stored tag as a feed event.
func NewSighting(result tags.UpsertResult, receivedAt time.Time) (Sighting, error) {
	payload, err := result.Tag.Payload()
	if err != nil {
		return Sighting{}, err
	}
	key, err := advert.ExtractKey(payload)
	if err != nil {
		return Sighting{}, err
	}
	return Sighting{
		TagID:      result.Tag.ID,
		Key:        key.String(),
		Address:    key.Address().String(),
		ValidFrom:  result.Tag.ValidFrom(),
		ValidTo:    result.Tag.ValidTo(),
		Created:    result.Created,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

// Publisher delivers sightings to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, sighting Sighting) error
	Close() error
}

// NopPublisher discards every sighting.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Sighting) error { return nil }

func (NopPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Logger  *zap.Logger
}

// KafkaPublisher writes sightings keyed by broadcast address, so every
// sighting of one tag lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher builds an asynchronous writer; delivery failures are logged.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if cfg.Topic == "" {
		return nil, errMissingTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("sighting delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(writer messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, sighting Sighting) error {
	value, err := json.Marshal(sighting)
	if err != nil {
		return fmt.Errorf("encode sighting: %w", err)
	}
	message := kafka.Message{
		Key:   []byte(sighting.Address),
		Value: value,
		Time:  sighting.ReceivedAt,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("write sighting: %w", err)
	}
	p.logger.Debug("sighting published", zap.Uint64("tag_id", sighting.TagID), zap.String("address", sighting.Address))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
